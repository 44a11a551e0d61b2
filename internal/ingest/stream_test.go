package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/internal/ingest"
	"github.com/MrWong99/stenograph/internal/segment"
	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/provider/vad/energy"
	"github.com/MrWong99/stenograph/pkg/types"
)

var mono16k = types.AudioFormat{SampleRate: 16000, Channels: 1}

type recorder struct {
	mu   sync.Mutex
	segs []types.AudioSegment
	err  error
}

func (r *recorder) AddSegment(_ context.Context, seg types.AudioSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.segs = append(r.segs, seg)
	return nil
}

func tone(d time.Duration) []byte {
	samples := make([]int16, mono16k.Bytes(d)/2)
	for i := range samples {
		samples[i] = 8000
	}
	return audio.FromSamples(samples)
}

func newStream(t *testing.T, sink ingest.Sink) *ingest.Stream {
	t.Helper()
	det, err := segment.New(mono16k, segment.Config{
		SilenceDuration:    300 * time.Millisecond,
		MinSegmentDuration: 200 * time.Millisecond,
	}, energy.New())
	if err != nil {
		t.Fatalf("segment.New: %v", err)
	}
	s := ingest.New(det, 20, sink)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStream_ForwardsFinalSegment(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newStream(t, rec)
	ctx := context.Background()

	pcm := append(tone(time.Second), make([]byte, mono16k.Bytes(time.Second))...)
	// Odd-sized chunks exercise the framer carry-over.
	var total int
	for len(pcm) > 0 {
		n := min(777, len(pcm))
		sent, err := s.Write(ctx, pcm[:n])
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		total += sent
		pcm = pcm[n:]
	}

	if total != 1 || len(rec.segs) != 1 {
		t.Fatalf("forwarded %d segments (%d recorded), want 1", total, len(rec.segs))
	}
	if !rec.segs[0].IsFinal {
		t.Error("expected a final segment")
	}
	if got := s.Received(); got != 2*time.Second {
		t.Errorf("Received() = %v, want 2s", got)
	}
	if s.Segments() != 1 {
		t.Errorf("Segments() = %d, want 1", s.Segments())
	}
}

func TestStream_FlushCompletesUtterance(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newStream(t, rec)
	ctx := context.Background()

	if _, err := s.Write(ctx, tone(time.Second+10*time.Millisecond)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(rec.segs) != 0 {
		t.Fatalf("segment emitted before silence: %d", len(rec.segs))
	}
	n, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 1 || len(rec.segs) != 1 || !rec.segs[0].IsFinal {
		t.Fatalf("Flush forwarded %d, recorded %+v", n, rec.segs)
	}
}

func TestStream_SinkError(t *testing.T) {
	t.Parallel()
	boom := errors.New("not recording")
	rec := &recorder{err: boom}
	s := newStream(t, rec)

	_, err := s.Write(context.Background(), append(tone(time.Second), make([]byte, mono16k.Bytes(time.Second))...))
	if !errors.Is(err, boom) {
		t.Errorf("Write error = %v, want wrapped sink error", err)
	}
}

func TestStream_Closed(t *testing.T) {
	t.Parallel()
	s := newStream(t, &recorder{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.Write(context.Background(), tone(time.Second)); !errors.Is(err, ingest.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Flush(context.Background()); !errors.Is(err, ingest.ErrClosed) {
		t.Errorf("Flush after Close = %v, want ErrClosed", err)
	}
}
