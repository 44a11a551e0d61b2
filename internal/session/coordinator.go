// Package session implements the session coordinator: the state machine that
// owns the one active dictation session and routes detected segments to the
// processing pipeline.
//
// In batch mode the audio of final segments is buffered and transcribed once
// when the session ends. In streaming mode every segment is processed as it
// arrives; interim results are folded into a live transcript with a bounded
// differential merge and each final result replaces the live text of its
// utterance.
//
// The session-level transcript is always assembled in submission order,
// never in completion order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/stenograph/internal/dictionary"
	"github.com/MrWong99/stenograph/internal/observe"
	"github.com/MrWong99/stenograph/internal/pipeline"
	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	"github.com/MrWong99/stenograph/pkg/types"
)

// Defaults for coordinator options.
const (
	DefaultCommitRepairChars  = 12
	DefaultMinBatchDuration   = time.Second
	DefaultPromptHistory      = 2
	DefaultPromptHistoryChars = 300
	DefaultResetDelay         = 2 * time.Second

	promptTermLimit = 24
)

var (
	// ErrSessionActive is returned by StartSession while a session is
	// recording or processing.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNotRecording is returned by AddSegment and EndSession when no
	// session is recording.
	ErrNotRecording = errors.New("session: not recording")

	// ErrNoSession is returned by CancelSession when the coordinator is idle.
	ErrNoSession = errors.New("session: no session")

	// ErrCancelled is returned by EndSession when the session was cancelled
	// while it waited for in-flight segments.
	ErrCancelled = errors.New("session: cancelled")

	// ErrOutOfOrder is returned by AddSegment for a segment whose Sequence
	// is not greater than that of the previous segment.
	ErrOutOfOrder = errors.New("session: segment out of order")
)

// Option is a functional option for [New].
type Option func(*Coordinator)

// WithEvents sets the sink receiving session events.
func WithEvents(s EventSink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.events = s
		}
	}
}

// WithDictionary sets the dictionary store. Each session snapshots the
// store's engine when it starts.
func WithDictionary(s *dictionary.Store) Option {
	return func(c *Coordinator) { c.dict = s }
}

// WithCommitRepairChars bounds how many committed runes one interim update
// may roll back.
func WithCommitRepairChars(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.repair = n
		}
	}
}

// WithMinBatchDuration sets the shortest buffered audio a batch session
// submits for transcription.
func WithMinBatchDuration(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.minBatch = d
		}
	}
}

// WithPromptHistory sets how many preceding final texts, trimmed to maxChars
// runes, are passed to the transcription prompt and the corrector. A limit
// of 0 disables history.
func WithPromptHistory(limit, maxChars int) Option {
	return func(c *Coordinator) {
		c.historyLimit = max(limit, 0)
		c.historyChars = max(maxChars, 0)
	}
}

// WithCorrection enables the LLM correction stage for every session.
func WithCorrection(enabled bool) Option {
	return func(c *Coordinator) { c.correction = enabled }
}

// WithAutoOutput writes final text to the pipeline's output sink.
func WithAutoOutput(enabled bool) Option {
	return func(c *Coordinator) { c.autoOutput = enabled }
}

// WithLanguage sets the transcription language hint.
func WithLanguage(lang string) Option {
	return func(c *Coordinator) { c.language = lang }
}

// WithResetDelay sets how long a completed or failed session stays visible
// before the coordinator returns to idle.
func WithResetDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.resetDelay = d
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records the active session gauge to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns at most one session at a time. It is safe for concurrent
// use.
type Coordinator struct {
	pipeline     *pipeline.Pipeline
	events       EventSink
	dict         *dictionary.Store
	repair       int
	minBatch     time.Duration
	historyLimit int
	historyChars int
	correction   bool
	autoOutput   bool
	language     string
	resetDelay   time.Duration
	logger       *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time

	mu  sync.Mutex
	rec types.SessionRecord
	run *run
}

// run is the mutable state of one session. Fields are guarded by
// Coordinator.mu.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	arena  *pipeline.Arena
	dict   *dictionary.Engine
	wg     sync.WaitGroup

	lastSeq int

	// Batch buffer.
	buf      []byte
	format   types.AudioFormat
	bufStart time.Duration
	bufEnd   time.Duration

	// Streaming transcript state. Every submitted segment belongs to the
	// utterance numbered by the finals submitted before it; the final of an
	// utterance closes it.
	finals    map[int]string
	utterance map[int]int
	submitted int
	closed    map[int]bool
	live      map[int]liveText

	// transcript is set once the session completes.
	transcript string
	done       bool
}

// New creates a Coordinator submitting segments to p.
func New(p *pipeline.Pipeline, opts ...Option) *Coordinator {
	c := &Coordinator{
		pipeline:     p,
		events:       nopSink{},
		repair:       DefaultCommitRepairChars,
		minBatch:     DefaultMinBatchDuration,
		historyLimit: DefaultPromptHistory,
		historyChars: DefaultPromptHistoryChars,
		resetDelay:   DefaultResetDelay,
		logger:       slog.Default(),
		now:          time.Now,
		rec:          types.SessionRecord{State: types.SessionIdle},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartSession starts a new session in mode. It fails with
// [ErrSessionActive] while another session is recording or processing. A
// pipeline halted by an authorization failure is resumed so that the new
// session retries the credentials.
func (c *Coordinator) StartSession(ctx context.Context, mode types.SessionMode) (types.SessionRecord, error) {
	if !mode.IsValid() {
		return types.SessionRecord{}, fmt.Errorf("session: invalid mode %q", mode)
	}

	c.mu.Lock()
	if c.rec.State.Active() {
		rec := c.snapshotLocked()
		c.mu.Unlock()
		return rec, ErrSessionActive
	}
	if c.run != nil {
		c.run.cancel()
	}
	if err := c.pipeline.Halted(); err != nil {
		c.logger.Info("session: resuming halted pipeline", "cause", err)
		c.pipeline.Resume()
	}

	// The session outlives the request that started it.
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		ctx:      rctx,
		cancel:   cancel,
		arena:    pipeline.NewArena(),
		lastSeq:  -1,
		finals:    make(map[int]string),
		utterance: make(map[int]int),
		closed:    make(map[int]bool),
		live:      make(map[int]liveText),
	}
	if c.dict != nil {
		r.dict = c.dict.Engine()
	}
	c.run = r
	c.rec = types.SessionRecord{
		ID:        uuid.NewString(),
		Mode:      mode,
		State:     types.SessionRecording,
		StartedAt: c.now(),
	}
	rec := c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.AddActiveSessions(ctx, 1)
	c.events.SessionStarted(rec)
	return rec, nil
}

// AddSegment submits seg to the recording session. In batch mode only final
// segments are kept, as buffered audio. In streaming mode the segment is
// processed immediately in the background.
func (c *Coordinator) AddSegment(ctx context.Context, seg types.AudioSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.run
	if r == nil || c.rec.State != types.SessionRecording {
		return ErrNotRecording
	}
	if seg.Sequence <= r.lastSeq {
		return fmt.Errorf("%w: sequence %d after %d", ErrOutOfOrder, seg.Sequence, r.lastSeq)
	}
	r.lastSeq = seg.Sequence
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}

	switch c.rec.Mode {
	case types.ModeBatch:
		if seg.IsFinal && len(seg.Samples) > 0 {
			r.buffer(seg)
		}
	case types.ModeStreaming:
		c.submitLocked(r, seg)
	}
	return nil
}

// submitLocked hands seg to the pipeline. The segment is admitted to the
// arena before the goroutine starts so that EndSession always waits for it.
func (c *Coordinator) submitLocked(r *run, seg types.AudioSegment) {
	c.rec.SegmentIDs = append(c.rec.SegmentIDs, seg.ID)
	cfg := c.configLocked(r)
	r.utterance[seg.Sequence] = r.submitted
	if seg.IsFinal {
		r.submitted++
	}
	r.arena.Admit(seg)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ps := c.pipeline.Process(r.ctx, seg, cfg)
		c.apply(r, ps)
	}()
}

func (c *Coordinator) configLocked(r *run) pipeline.SessionConfig {
	history := r.history(c.historyLimit, c.historyChars)
	terms := strings.Join(r.dict.PromptTerms(promptTermLimit), ", ")
	return pipeline.SessionConfig{
		Dictionary:        r.dict,
		DictionaryEnabled: r.dict != nil && r.dict.Len() > 0,
		CorrectionEnabled: c.correction,
		AutoOutput:        c.autoOutput,
		Prompt:            join(terms, history),
		History:           history,
		Language:          c.language,
		Arena:             r.arena,
	}
}

// apply folds a processed segment into the live transcript and emits its
// events. Results of a discarded session are dropped.
func (c *Coordinator) apply(r *run, ps *types.ProcessedSegment) {
	c.mu.Lock()
	if c.run != r || r.done {
		c.mu.Unlock()
		return
	}
	before := r.current()
	if ps.Status == types.StatusCompleted {
		if ps.IsInterim {
			r.applyInterim(c, ps)
		} else {
			r.finals[ps.Sequence] = strings.TrimSpace(ps.FinalText)
		}
	} else if errors.Is(ps.Err, stt.ErrAuth) {
		c.logger.Error("session: transcription unauthorized", "segment", ps.SegmentID, "err", ps.Err)
	}
	if !ps.IsInterim {
		// The final result replaces whatever was shown for its utterance,
		// even when the final itself failed.
		u := r.utterance[ps.Sequence]
		r.closed[u] = true
		delete(r.live, u)
	}
	after := r.current()
	rec := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SegmentCompleted(rec, *ps)
	if ps.Status == types.StatusFailed && !errors.Is(ps.Err, context.Canceled) {
		c.events.SegmentFailed(rec, *ps)
	}
	if after != before {
		_, revised := diff(before, after)
		c.events.InterimUpdated(rec, after, revised)
	}
}

// EndSession stops recording, waits for every submitted segment and returns
// the session summary. In batch mode the buffered audio is transcribed as
// one final segment unless it is shorter than the minimum batch duration.
//
// If ctx ends before every segment is processed, in-flight segments are
// cancelled and the session moves to the error state; the returned summary
// holds what was transcribed so far.
//
// If the pipeline halted on an authorization failure the session moves to
// the error state and the failure is returned alongside the summary.
func (c *Coordinator) EndSession(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	r := c.run
	if r == nil || c.rec.State != types.SessionRecording {
		c.mu.Unlock()
		return Summary{}, ErrNotRecording
	}
	c.rec.State = types.SessionProcessing
	if c.rec.Mode == types.ModeBatch {
		if seg, ok := r.batchSegment(c.minBatch); ok {
			seg.Sequence = r.lastSeq + 1
			c.submitLocked(r, seg)
		} else {
			c.logger.Debug("session: batch audio below minimum, nothing to transcribe", "min", c.minBatch)
		}
	}
	c.mu.Unlock()

	if err := r.arena.Wait(ctx); err != nil {
		return c.abandon(ctx, r, err)
	}
	r.wg.Wait()

	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return Summary{}, ErrCancelled
	}
	segments := r.arena.Completed()
	transcript := transcriptOf(segments)
	r.transcript, r.done = transcript, true
	halted := c.pipeline.Halted()
	if halted != nil {
		c.rec.State = types.SessionError
	} else {
		c.rec.State = types.SessionCompleted
	}
	rec := c.snapshotLocked()
	sum := Summary{
		Record:     rec,
		Transcript: transcript,
		Stats:      computeStats(segments, transcript, c.now().Sub(rec.StartedAt)),
		Segments:   finals(segments),
	}
	r.cancel()
	c.mu.Unlock()

	c.metrics.AddActiveSessions(ctx, -1)
	c.scheduleReset(r)
	if halted != nil {
		err := fmt.Errorf("session: %w", halted)
		c.events.SessionError(rec, err)
		return sum, err
	}
	c.events.SessionCompleted(rec, sum)
	return sum, nil
}

// abandon ends a session whose EndSession context expired while segments
// were still in flight. In-flight work is cancelled, the session moves to
// the error state with the transcript assembled so far, and the usual
// reset to idle is scheduled.
func (c *Coordinator) abandon(ctx context.Context, r *run, cause error) (Summary, error) {
	err := fmt.Errorf("session: end: %w", cause)
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return Summary{}, ErrCancelled
	}
	r.cancel()
	r.transcript = r.current()
	r.done = true
	c.rec.State = types.SessionError
	rec := c.snapshotLocked()
	sum := Summary{
		Record:     rec,
		Transcript: r.transcript,
		Stats:      computeStats(r.arena.Completed(), r.transcript, c.now().Sub(rec.StartedAt)),
	}
	c.mu.Unlock()

	c.metrics.AddActiveSessions(context.WithoutCancel(ctx), -1)
	c.scheduleReset(r)
	c.events.SessionError(rec, err)
	return sum, err
}

// CancelSession aborts the current session. In-flight pipeline calls are
// cancelled and their results discarded; the coordinator returns to idle
// immediately without a completion event.
func (c *Coordinator) CancelSession(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	if r == nil || c.rec.State == types.SessionIdle {
		c.mu.Unlock()
		return ErrNoSession
	}
	active := c.rec.State.Active()
	id := c.rec.ID
	r.cancel()
	r.arena.Discard()
	r.buf = nil
	c.run = nil
	c.rec = types.SessionRecord{State: types.SessionIdle}
	c.mu.Unlock()

	if active {
		c.metrics.AddActiveSessions(ctx, -1)
	}
	c.logger.Info("session cancelled", "session", id)
	return nil
}

// Current returns a snapshot of the session record.
func (c *Coordinator) Current() types.SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Transcript returns the live transcript of the current session: the final
// texts so far followed by the text of the utterance in progress. After
// completion it is the session transcript.
func (c *Coordinator) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.current()
}

func (c *Coordinator) scheduleReset(r *run) {
	time.AfterFunc(c.resetDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.run == r && !c.rec.State.Active() {
			c.run = nil
			c.rec = types.SessionRecord{State: types.SessionIdle}
		}
	})
}

func (c *Coordinator) snapshotLocked() types.SessionRecord {
	rec := c.rec
	rec.SegmentIDs = slices.Clone(c.rec.SegmentIDs)
	if c.run != nil {
		rec.CommittedTextLength = utf8.RuneCountInString(c.run.current())
	}
	return rec
}

func (r *run) buffer(seg types.AudioSegment) {
	if r.buf == nil {
		r.format = seg.Format
		r.bufStart = seg.Start
	}
	pcm := seg.Samples
	if seg.Format != r.format {
		pcm = audio.Convert(pcm, seg.Format, r.format)
	}
	r.buf = append(r.buf, pcm...)
	r.bufEnd = seg.End
}

// batchSegment builds the synthetic final segment of a batch session and
// releases the buffer. It reports false when the buffered audio is shorter
// than minDur.
func (r *run) batchSegment(minDur time.Duration) (types.AudioSegment, bool) {
	pcm, f := r.buf, r.format
	r.buf = nil
	if len(pcm) == 0 || f.Duration(len(pcm)) < minDur {
		return types.AudioSegment{}, false
	}
	return types.AudioSegment{
		ID:      uuid.NewString(),
		Samples: pcm,
		Format:  f,
		Start:   r.bufStart,
		End:     r.bufEnd,
		IsFinal: true,
	}, true
}

// liveText is the interim transcript of one open utterance.
type liveText struct {
	text string
	seq  int
}

// applyInterim merges an interim result into the live text of its
// utterance. Interims of a closed utterance, or older than the last one
// applied to it, are dropped.
func (r *run) applyInterim(c *Coordinator, ps *types.ProcessedSegment) {
	u := r.utterance[ps.Sequence]
	prev, ok := r.live[u]
	if r.closed[u] || (ok && ps.Sequence <= prev.seq) {
		c.logger.Debug("session: dropping stale interim", "seq", ps.Sequence, "utterance", u)
		return
	}
	merged, rollback, _ := Merge(prev.text, strings.TrimSpace(ps.FinalText), c.repair)
	if rollback > 0 {
		c.logger.Debug("session: interim rolled back text", "seq", ps.Sequence, "runes", rollback)
	}
	r.live[u] = liveText{text: merged, seq: ps.Sequence}
}

// current returns the transcript as consumers currently see it: final and
// live texts in utterance order.
func (r *run) current() string {
	if r.done {
		return r.transcript
	}
	if len(r.live) == 0 {
		return r.finalText()
	}
	parts := make(map[int]string, len(r.finals)+len(r.live))
	for seq, text := range r.finals {
		parts[r.utterance[seq]] = text
	}
	for u, lt := range r.live {
		parts[u] = lt.text
	}
	order := make([]int, 0, len(parts))
	for u := range parts {
		order = append(order, u)
	}
	slices.Sort(order)
	var out string
	for _, u := range order {
		out = join(out, parts[u])
	}
	return out
}

func (r *run) orderedFinals() []string {
	seqs := make([]int, 0, len(r.finals))
	for seq := range r.finals {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	out := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		if t := r.finals[seq]; t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (r *run) finalText() string {
	return strings.Join(r.orderedFinals(), " ")
}

// history returns the last limit final texts, keeping at most maxChars
// trailing runes.
func (r *run) history(limit, maxChars int) string {
	if limit <= 0 {
		return ""
	}
	all := r.orderedFinals()
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	h := strings.Join(all, " ")
	if rs := []rune(h); maxChars > 0 && len(rs) > maxChars {
		h = strings.TrimSpace(string(rs[len(rs)-maxChars:]))
	}
	return h
}
