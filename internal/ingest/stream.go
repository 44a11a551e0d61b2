// Package ingest turns a raw PCM byte stream into detected segments and
// hands them to a session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/stenograph/internal/segment"
	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/types"
)

// ErrClosed is returned by Write and Flush after Close.
var ErrClosed = errors.New("ingest: stream closed")

// Sink receives detected segments in emission order.
// [session.Coordinator] satisfies it.
type Sink interface {
	AddSegment(ctx context.Context, seg types.AudioSegment) error
}

// Stream frames incoming PCM, runs it through a [segment.Detector] and
// forwards every emitted segment to a [Sink]. A Stream is safe for
// concurrent use; writes are serialised so segments reach the sink in
// detector order.
type Stream struct {
	det  *segment.Detector
	sink Sink

	mu       sync.Mutex
	framer   *audio.Framer
	received int
	segments int
	closed   bool
}

// New returns a Stream that feeds det with frames of frameMs milliseconds.
// The Stream owns det and closes it on Close.
func New(det *segment.Detector, frameMs int, sink Sink) *Stream {
	return &Stream{
		det:    det,
		sink:   sink,
		framer: audio.NewFramer(det.Format(), frameMs),
	}
}

// Format returns the PCM format Write expects.
func (s *Stream) Format() types.AudioFormat { return s.det.Format() }

// Write feeds pcm to the detector and returns the number of segments
// forwarded to the sink. Bytes that do not fill a frame are kept for the
// next call.
func (s *Stream) Write(ctx context.Context, pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.received += len(pcm)

	n := 0
	for _, frame := range s.framer.Write(pcm) {
		segs, err := s.det.Push(frame)
		if err != nil {
			return n, fmt.Errorf("ingest: %w", err)
		}
		sent, err := s.forward(ctx, segs)
		n += sent
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush pushes any partial frame and force-completes the open utterance.
// It returns the number of segments forwarded.
func (s *Stream) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	n := 0
	if s.framer.Pending() > 0 {
		// Pad the remainder to a whole frame of silence.
		rest := s.framer.Write(make([]byte, s.framer.FrameSize()-s.framer.Pending()))
		for _, frame := range rest {
			segs, err := s.det.Push(frame)
			if err != nil {
				return n, fmt.Errorf("ingest: %w", err)
			}
			sent, err := s.forward(ctx, segs)
			n += sent
			if err != nil {
				return n, err
			}
		}
	}
	sent, err := s.forward(ctx, s.det.Flush())
	return n + sent, err
}

// Received returns the duration of audio written so far.
func (s *Stream) Received() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.det.Format().Duration(s.received)
}

// Segments returns the number of segments forwarded so far.
func (s *Stream) Segments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}

// Close releases the detector. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.det.Close()
}

func (s *Stream) forward(ctx context.Context, segs []types.AudioSegment) (int, error) {
	for i, seg := range segs {
		if err := s.sink.AddSegment(ctx, seg); err != nil {
			return i, fmt.Errorf("ingest: segment %d: %w", seg.Sequence, err)
		}
		s.segments++
	}
	return len(segs), nil
}
