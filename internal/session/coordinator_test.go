package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/internal/dictionary"
	"github.com/MrWong99/stenograph/internal/pipeline"
	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	"github.com/MrWong99/stenograph/pkg/provider/stt/mock"
	"github.com/MrWong99/stenograph/pkg/types"
)

var mono16k = types.AudioFormat{SampleRate: 16000, Channels: 1}

// audioFor returns d of PCM whose first byte is marker, so scripted
// providers can tell segments apart.
func audioFor(marker byte, d time.Duration) []byte {
	pcm := make([]byte, max(mono16k.Bytes(d), 2))
	pcm[0] = marker
	return pcm
}

func seg(seq int, marker byte, final bool) types.AudioSegment {
	return types.AudioSegment{
		Sequence:  seq,
		Samples:   audioFor(marker, 200*time.Millisecond),
		Format:    mono16k,
		Start:     time.Duration(seq) * time.Second,
		End:       time.Duration(seq)*time.Second + 200*time.Millisecond,
		IsFinal:   final,
		IsInterim: !final,
	}
}

// scripted answers each request with the text registered for the first
// byte of its audio.
func scripted(texts map[byte]string) *mock.Provider {
	return &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		if len(req.Audio) == 0 {
			return stt.Result{}, stt.NewError("mock", stt.KindEmptyResponse, "no audio", nil)
		}
		return stt.Result{Text: texts[req.Audio[0]]}, nil
	}}
}

type event struct {
	kind    string
	text    string
	revised int
	ps      types.ProcessedSegment
	sum     session.Summary
	err     error
}

type recorder struct {
	ch chan event
}

func newRecorder() *recorder { return &recorder{ch: make(chan event, 64)} }

func (r *recorder) SessionStarted(types.SessionRecord) { r.ch <- event{kind: "started"} }
func (r *recorder) SegmentCompleted(_ types.SessionRecord, ps types.ProcessedSegment) {
	r.ch <- event{kind: "segment", ps: ps}
}
func (r *recorder) SegmentFailed(_ types.SessionRecord, ps types.ProcessedSegment) {
	r.ch <- event{kind: "failed", ps: ps, err: ps.Err}
}
func (r *recorder) InterimUpdated(_ types.SessionRecord, text string, revised int) {
	r.ch <- event{kind: "interim", text: text, revised: revised}
}
func (r *recorder) SessionCompleted(_ types.SessionRecord, sum session.Summary) {
	r.ch <- event{kind: "completed", sum: sum}
}
func (r *recorder) SessionError(_ types.SessionRecord, err error) {
	r.ch <- event{kind: "error", err: err}
}

func (r *recorder) waitFor(t *testing.T, kind string) event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (r *recorder) kinds() []string {
	var out []string
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev.kind)
		default:
			return out
		}
	}
}

func TestStreaming_InterimThenFinal(t *testing.T) {
	t.Parallel()
	gw := scripted(map[byte]string{1: "hello wor", 2: "hello world."})
	events := newRecorder()
	c := session.New(pipeline.New(gw), session.WithEvents(events))
	ctx := context.Background()

	if _, err := c.StartSession(ctx, types.ModeStreaming); err != nil {
		t.Fatal(err)
	}
	events.waitFor(t, "started")

	if err := c.AddSegment(ctx, seg(1, 1, false)); err != nil {
		t.Fatal(err)
	}
	if ev := events.waitFor(t, "interim"); ev.text != "hello wor" {
		t.Fatalf("interim text = %q", ev.text)
	}

	if err := c.AddSegment(ctx, seg(2, 2, true)); err != nil {
		t.Fatal(err)
	}
	ev := events.waitFor(t, "interim")
	if ev.text != "hello world." {
		t.Errorf("transcript = %q, want %q", ev.text, "hello world.")
	}
	if ev.revised != 3 {
		t.Errorf("revised = %d, want 3", ev.revised)
	}

	sum, err := c.EndSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Transcript != "hello world." {
		t.Errorf("Transcript = %q", sum.Transcript)
	}
	if sum.Stats.Segments != 1 || sum.Stats.Interims != 1 || sum.Stats.Words != 2 {
		t.Errorf("Stats = %+v", sum.Stats)
	}
	if sum.Record.State != types.SessionCompleted || len(sum.Record.SegmentIDs) != 2 {
		t.Errorf("Record = %+v", sum.Record)
	}
	events.waitFor(t, "completed")
}

func TestStreaming_LateInterimDropped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	gw := &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		if req.Audio[0] == 1 {
			<-release
			return stt.Result{Text: "complete"}, nil
		}
		return stt.Result{Text: "complete sentence"}, nil
	}}
	events := newRecorder()
	c := session.New(pipeline.New(gw, pipeline.WithMaxConcurrent(2)), session.WithEvents(events))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)

	c.AddSegment(ctx, seg(1, 1, false))
	c.AddSegment(ctx, seg(2, 2, true))
	if ev := events.waitFor(t, "interim"); ev.text != "complete sentence" {
		t.Fatalf("transcript = %q", ev.text)
	}
	close(release)
	events.waitFor(t, "segment")

	if got := c.Transcript(); got != "complete sentence" {
		t.Errorf("Transcript = %q, want the final text only", got)
	}
}

func TestStreaming_GrowingInterims(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		interims []string
		want     []string
	}{
		{
			name: "restated from the start",
			interims: []string{
				"the quick brown fox",
				"the quick brown fox jumps over",
				"the quick brown fox jumps over the lazy dog",
			},
			want: []string{
				"the quick brown fox",
				"the quick brown fox jumps over",
				"the quick brown fox jumps over the lazy dog",
			},
		},
		{
			name: "sliding tail window",
			interims: []string{
				"the quick brown fox jumps",
				"brown fox jumps over the",
				"jumps over the lazy dog",
			},
			want: []string{
				"the quick brown fox jumps",
				"the quick brown fox jumps over the",
				"the quick brown fox jumps over the lazy dog",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			texts := map[byte]string{9: "The quick brown fox jumps over the lazy dog."}
			for i, text := range tt.interims {
				texts[byte(i+1)] = text
			}
			events := newRecorder()
			c := session.New(pipeline.New(scripted(texts)), session.WithEvents(events))
			ctx := context.Background()
			c.StartSession(ctx, types.ModeStreaming)

			for i := range tt.interims {
				if err := c.AddSegment(ctx, seg(i+1, byte(i+1), false)); err != nil {
					t.Fatal(err)
				}
				if ev := events.waitFor(t, "interim"); ev.text != tt.want[i] {
					t.Fatalf("after interim %d transcript = %q, want %q", i+1, ev.text, tt.want[i])
				}
			}

			c.AddSegment(ctx, seg(len(tt.interims)+1, 9, true))
			sum, err := c.EndSession(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if want := "The quick brown fox jumps over the lazy dog."; sum.Transcript != want {
				t.Errorf("Transcript = %q, want %q", sum.Transcript, want)
			}
		})
	}
}

func TestStreaming_LiveTextPerUtterance(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	texts := map[byte]string{1: "hello wor", 2: "hello world.", 3: "good morn"}
	gw := &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		if req.Audio[0] == 2 {
			<-release
		}
		return stt.Result{Text: texts[req.Audio[0]]}, nil
	}}
	events := newRecorder()
	c := session.New(pipeline.New(gw, pipeline.WithMaxConcurrent(2)), session.WithEvents(events))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)

	c.AddSegment(ctx, seg(1, 1, false))
	events.waitFor(t, "interim")
	c.AddSegment(ctx, seg(2, 2, true))
	c.AddSegment(ctx, seg(3, 3, false))
	if ev := events.waitFor(t, "interim"); ev.text != "hello wor good morn" {
		t.Fatalf("transcript while final pending = %q", ev.text)
	}

	close(release)
	if ev := events.waitFor(t, "interim"); ev.text != "hello world. good morn" {
		t.Errorf("transcript after final = %q, want %q", ev.text, "hello world. good morn")
	}
	if got := c.Transcript(); got != "hello world. good morn" {
		t.Errorf("Transcript = %q", got)
	}
}

func TestAddSegment_RejectsOutOfOrder(t *testing.T) {
	t.Parallel()
	c := session.New(pipeline.New(scripted(map[byte]string{1: "x"})))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	if err := c.AddSegment(ctx, seg(5, 1, true)); err != nil {
		t.Fatal(err)
	}
	if err := c.AddSegment(ctx, seg(3, 1, false)); !errors.Is(err, session.ErrOutOfOrder) {
		t.Errorf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestStreaming_TranscriptInSubmissionOrder(t *testing.T) {
	t.Parallel()
	delays := map[byte]time.Duration{1: 40 * time.Millisecond, 2: 20 * time.Millisecond, 3: 0}
	texts := map[byte]string{1: "one", 2: "two", 3: "three"}
	gw := &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		time.Sleep(delays[req.Audio[0]])
		return stt.Result{Text: texts[req.Audio[0]]}, nil
	}}
	c := session.New(pipeline.New(gw, pipeline.WithMaxConcurrent(3)))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	for i := 1; i <= 3; i++ {
		if err := c.AddSegment(ctx, seg(i, byte(i), true)); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := c.EndSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Transcript != "one two three" {
		t.Errorf("Transcript = %q, want %q", sum.Transcript, "one two three")
	}
	for i, ps := range sum.Segments {
		if ps.Sequence != i+1 {
			t.Errorf("Segments[%d].Sequence = %d", i, ps.Sequence)
		}
	}
}

func TestStartSession_RejectsActive(t *testing.T) {
	t.Parallel()
	c := session.New(pipeline.New(scripted(nil)))
	ctx := context.Background()
	if _, err := c.StartSession(ctx, types.ModeBatch); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartSession(ctx, types.ModeStreaming); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("err = %v, want ErrSessionActive", err)
	}
	if _, err := c.StartSession(ctx, "bogus"); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestAddSegment_NotRecording(t *testing.T) {
	t.Parallel()
	c := session.New(pipeline.New(scripted(nil)))
	if err := c.AddSegment(context.Background(), seg(1, 1, true)); !errors.Is(err, session.ErrNotRecording) {
		t.Errorf("err = %v, want ErrNotRecording", err)
	}
	if _, err := c.EndSession(context.Background()); !errors.Is(err, session.ErrNotRecording) {
		t.Errorf("EndSession err = %v, want ErrNotRecording", err)
	}
}

func TestBatch_TranscribesBufferOnce(t *testing.T) {
	t.Parallel()
	gw := scripted(map[byte]string{7: "the whole batch"})
	c := session.New(pipeline.New(gw))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeBatch)

	first := seg(1, 7, true)
	first.Samples = audioFor(7, 600*time.Millisecond)
	second := seg(3, 8, true)
	second.Samples = audioFor(8, 600*time.Millisecond)
	for _, s := range []types.AudioSegment{first, seg(2, 9, false), second} {
		if err := c.AddSegment(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if gw.CallCount() != 0 {
		t.Fatal("batch session transcribed before EndSession")
	}

	sum, err := c.EndSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gw.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1", gw.CallCount())
	}
	if got, want := len(gw.Calls[0].Audio), len(first.Samples)+len(second.Samples); got != want {
		t.Errorf("submitted %d bytes, want %d", got, want)
	}
	if sum.Transcript != "the whole batch" {
		t.Errorf("Transcript = %q", sum.Transcript)
	}
	if len(sum.Record.SegmentIDs) != 1 {
		t.Errorf("SegmentIDs = %v, want one synthetic segment", sum.Record.SegmentIDs)
	}
}

func TestBatch_ShortAudioSkipped(t *testing.T) {
	t.Parallel()
	gw := scripted(map[byte]string{1: "unused"})
	c := session.New(pipeline.New(gw), session.WithMinBatchDuration(time.Second))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeBatch)
	c.AddSegment(ctx, seg(1, 1, true))

	sum, err := c.EndSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gw.CallCount() != 0 || sum.Transcript != "" {
		t.Errorf("calls = %d, transcript = %q", gw.CallCount(), sum.Transcript)
	}
	if sum.Record.State != types.SessionCompleted {
		t.Errorf("State = %s", sum.Record.State)
	}
}

func TestCancelSession(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var once sync.Once
	gw := &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return stt.Result{}, ctx.Err()
	}}
	events := newRecorder()
	c := session.New(pipeline.New(gw), session.WithEvents(events))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	c.AddSegment(ctx, seg(1, 1, true))
	<-started

	if err := c.CancelSession(ctx); err != nil {
		t.Fatal(err)
	}
	if st := c.Current().State; st != types.SessionIdle {
		t.Errorf("State = %s, want idle", st)
	}
	if err := c.CancelSession(ctx); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("second cancel err = %v, want ErrNoSession", err)
	}

	time.Sleep(20 * time.Millisecond)
	for _, k := range events.kinds() {
		if k == "completed" || k == "segment" || k == "failed" {
			t.Errorf("unexpected %s event after cancel", k)
		}
	}
	if _, err := c.StartSession(ctx, types.ModeBatch); err != nil {
		t.Errorf("StartSession after cancel: %v", err)
	}
}

func TestEndSession_AuthFailure(t *testing.T) {
	t.Parallel()
	gw := &mock.Provider{Responses: []mock.Response{{Err: stt.NewError("mock", stt.KindAuth, "401", nil)}}}
	events := newRecorder()
	c := session.New(pipeline.New(gw), session.WithEvents(events))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	c.AddSegment(ctx, seg(1, 1, true))

	sum, err := c.EndSession(ctx)
	if !errors.Is(err, stt.ErrAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
	if sum.Record.State != types.SessionError || sum.Stats.Failed != 1 {
		t.Errorf("Record = %+v, Stats = %+v", sum.Record, sum.Stats)
	}
	if ev := events.waitFor(t, "error"); !errors.Is(ev.err, stt.ErrAuth) {
		t.Errorf("event err = %v", ev.err)
	}
}

func TestEndSession_ResetsToIdle(t *testing.T) {
	t.Parallel()
	c := session.New(pipeline.New(scripted(map[byte]string{1: "done"})), session.WithResetDelay(10*time.Millisecond))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	c.AddSegment(ctx, seg(1, 1, true))
	if _, err := c.EndSession(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Transcript() != "done" && c.Current().State != types.SessionIdle {
		t.Errorf("Transcript = %q right after completion", c.Transcript())
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Current().State != types.SessionIdle {
		if time.Now().After(deadline) {
			t.Fatal("session never reset to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPromptCarriesHistoryAndTerms(t *testing.T) {
	t.Parallel()
	texts := map[byte]string{1: "alpha", 2: "beta", 3: "gamma"}
	gw := scripted(texts)
	store := dictionary.NewStore()
	store.Set([]dictionary.Entry{{Match: "kubernetes", Replacement: "Kubernetes", Weight: 1, Enabled: true}})
	events := newRecorder()
	c := session.New(pipeline.New(gw),
		session.WithEvents(events),
		session.WithDictionary(store),
		session.WithPromptHistory(2, 300),
	)
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	for i := 1; i <= 3; i++ {
		c.AddSegment(ctx, seg(i, byte(i), true))
		events.waitFor(t, "segment")
	}

	last := gw.Calls[2].Prompt
	if !strings.Contains(last, "Kubernetes (100%)") {
		t.Errorf("prompt %q lacks dictionary term", last)
	}
	if !strings.HasSuffix(last, "alpha beta") {
		t.Errorf("prompt %q lacks history", last)
	}
	if strings.Contains(gw.Calls[0].Prompt, "alpha") {
		t.Errorf("first prompt %q carries history", gw.Calls[0].Prompt)
	}
}

func TestStreaming_FailedSegmentEvent(t *testing.T) {
	t.Parallel()
	gw := &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		if req.Audio[0] == 1 {
			return stt.Result{}, stt.NewError("mock", stt.KindInvalid, "unsupported audio", nil)
		}
		return stt.Result{Text: "still listening"}, nil
	}}
	events := newRecorder()
	c := session.New(pipeline.New(gw), session.WithEvents(events))
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)

	c.AddSegment(ctx, seg(1, 1, true))
	ev := events.waitFor(t, "failed")
	if ev.ps.Sequence != 1 || ev.ps.Status != types.StatusFailed {
		t.Errorf("failed event segment = %+v", ev.ps)
	}
	if stt.KindOf(ev.err) != stt.KindInvalid {
		t.Errorf("failed event err = %v, want invalid", ev.err)
	}

	if err := c.AddSegment(ctx, seg(2, 2, true)); err != nil {
		t.Fatalf("session stopped after a failed segment: %v", err)
	}
	sum, err := c.EndSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Transcript != "still listening" || sum.Stats.Failed != 1 {
		t.Errorf("Transcript = %q, Stats = %+v", sum.Transcript, sum.Stats)
	}
}

func TestEndSession_ContextExpires(t *testing.T) {
	t.Parallel()
	gw := &mock.Provider{Func: func(ctx context.Context, req stt.Request) (stt.Result, error) {
		if req.Audio[0] == 1 {
			return stt.Result{Text: "kept"}, nil
		}
		<-ctx.Done()
		return stt.Result{}, ctx.Err()
	}}
	events := newRecorder()
	c := session.New(pipeline.New(gw),
		session.WithEvents(events),
		session.WithResetDelay(10*time.Millisecond),
	)
	ctx := context.Background()
	c.StartSession(ctx, types.ModeStreaming)
	c.AddSegment(ctx, seg(1, 1, true))
	events.waitFor(t, "segment")
	c.AddSegment(ctx, seg(2, 2, true))

	endCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	sum, err := c.EndSession(endCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if sum.Record.State != types.SessionError {
		t.Errorf("State = %s, want error", sum.Record.State)
	}
	if sum.Transcript != "kept" {
		t.Errorf("Transcript = %q, want the text transcribed before the deadline", sum.Transcript)
	}
	if ev := events.waitFor(t, "error"); !errors.Is(ev.err, context.DeadlineExceeded) {
		t.Errorf("event err = %v", ev.err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Current().State != types.SessionIdle {
		if time.Now().After(deadline) {
			t.Fatal("session never reset to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := c.StartSession(ctx, types.ModeStreaming); err != nil {
		t.Errorf("StartSession after expired end: %v", err)
	}
}
