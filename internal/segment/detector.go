// Package segment turns a continuous PCM frame stream into utterance
// segments.
//
// The [Detector] scores each frame with a [vad.SessionHandle], averages the
// scores over fixed analysis windows and runs a two-state machine:
//
//	Idle ──(window activity >= threshold)──▶ Speaking
//	Speaking ──(SilenceDuration of quiet windows)──▶ Idle, emit final segment
//
// While Speaking it can also emit interim "micro-commit" segments at a fixed
// interval. Interims cover only the recent tail of the utterance so that the
// transcription call stays short, and always overlap the previous commit so
// the transcriber has context across the cut.
//
// Utterances whose voiced span is shorter than MinSegmentDuration are dropped
// without an error. A Detector is safe for concurrent use, though frames
// pushed from several goroutines interleave in lock order.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stenograph/pkg/provider/vad"
	"github.com/MrWong99/stenograph/pkg/types"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultActivityThreshold  = 0.01
	DefaultSilenceDuration    = 2 * time.Second
	DefaultMinSegmentDuration = time.Second
	DefaultAnalysisWindow     = 100 * time.Millisecond
)

// nominalFrameMs is reported to the VAD engine. Frames of any length are
// accepted.
const nominalFrameMs = 20

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("segment: detector closed")

// State is the detector state.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "idle"
}

// Config controls segmentation.
type Config struct {
	// ActivityThreshold is the mean window activity at or above which a
	// window counts as speech. Range [0, 1].
	ActivityThreshold float64

	// SilenceDuration of consecutive quiet windows ends an utterance.
	SilenceDuration time.Duration

	// MinSegmentDuration is the shortest voiced span that produces a final
	// segment.
	MinSegmentDuration time.Duration

	// AnalysisWindow is the granularity of the speech decision.
	AnalysisWindow time.Duration

	// MicroCommitInterval enables interim segments when positive.
	MicroCommitInterval time.Duration

	// LookbackWindow bounds the audio an interim covers. Zero covers the
	// whole utterance so far.
	LookbackWindow time.Duration

	// OverlapWindow is the audio an interim shares with the previous commit.
	OverlapWindow time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.ActivityThreshold == 0 {
		c.ActivityThreshold = DefaultActivityThreshold
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MinSegmentDuration == 0 {
		c.MinSegmentDuration = DefaultMinSegmentDuration
	}
	if c.AnalysisWindow == 0 {
		c.AnalysisWindow = DefaultAnalysisWindow
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.ActivityThreshold < 0 || c.ActivityThreshold > 1 {
		errs = append(errs, fmt.Errorf("activity threshold %v outside [0,1]", c.ActivityThreshold))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"silence duration", c.SilenceDuration},
		{"min segment duration", c.MinSegmentDuration},
		{"analysis window", c.AnalysisWindow},
		{"micro-commit interval", c.MicroCommitInterval},
		{"lookback window", c.LookbackWindow},
		{"overlap window", c.OverlapWindow},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	if c.MicroCommitInterval > 0 && c.LookbackWindow > 0 && c.OverlapWindow >= c.LookbackWindow {
		errs = append(errs, fmt.Errorf("overlap window %v must be shorter than lookback window %v", c.OverlapWindow, c.LookbackWindow))
	}
	return errors.Join(errs...)
}

// Detector segments one audio stream.
type Detector struct {
	format types.AudioFormat
	cfg    Config
	vad    vad.SessionHandle
	newID  func() string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	seq    int
	pos    int // bytes consumed since start or Reset

	// current analysis window
	win      []byte
	winStart int
	winSum   float64
	winN     int

	// open utterance
	state      State
	buf        []byte
	uttStart   int // stream offset of buf[0]
	speechEnd  int // stream offset just after the last speech window
	silence    time.Duration
	lastCommit int // stream offset of the last micro-commit mark
	commitEnd  int // end offset of the previous interim
	haveCommit bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithIDFunc overrides segment ID generation. Defaults to random UUIDs.
func WithIDFunc(fn func() string) Option {
	return func(d *Detector) { d.newID = fn }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New returns a Detector for PCM in format f, scoring frames with a new
// session of engine.
func New(f types.AudioFormat, cfg Config, engine vad.Engine, opts ...Option) (*Detector, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("segment: invalid audio format %v", f)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:      f.SampleRate,
		Channels:        f.Channels,
		FrameSizeMs:     nominalFrameMs,
		SpeechThreshold: cfg.ActivityThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: open vad session: %w", err)
	}
	d := &Detector{
		format: f,
		cfg:    cfg,
		vad:    sess,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Format returns the PCM format the detector expects.
func (d *Detector) Format() types.AudioFormat { return d.format }

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Push feeds one frame and returns the segments it completed, in emission
// order. Frames should be whole sample frames of the detector's format.
func (d *Detector) Push(frame []byte) ([]types.AudioSegment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if len(frame) == 0 {
		return nil, nil
	}

	ev, err := d.vad.ProcessFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("segment: vad: %w", err)
	}

	if d.winN == 0 {
		d.winStart = d.pos
	}
	d.win = append(d.win, frame...)
	d.winSum += ev.Probability
	d.winN++
	d.pos += len(frame)

	if d.format.Duration(len(d.win)) < d.cfg.AnalysisWindow {
		return nil, nil
	}
	return d.closeWindow(), nil
}

// Flush force-completes the current utterance, including any partial
// analysis window, and returns the final segment if the utterance is long
// enough.
func (d *Detector) Flush() []types.AudioSegment {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.AudioSegment
	if d.winN > 0 {
		out = d.closeWindow()
	}
	if d.state == Speaking {
		if seg, ok := d.finish(); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Reset discards the open utterance and restarts stream offsets at zero.
// Sequence numbers keep increasing.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetWindow()
	d.resetUtterance()
	d.pos = 0
	d.vad.Reset()
}

// Close releases the VAD session.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.vad.Close()
}

// closeWindow evaluates the accumulated window. Callers hold d.mu.
func (d *Detector) closeWindow() []types.AudioSegment {
	activity := d.winSum / float64(d.winN)
	speech := activity >= d.cfg.ActivityThreshold
	win, start := d.win, d.winStart
	end := start + len(win)
	dur := d.format.Duration(len(win))
	d.resetWindow()

	switch d.state {
	case Idle:
		if !speech {
			return nil
		}
		d.state = Speaking
		d.buf = append(d.buf[:0], win...)
		d.uttStart = start
		d.speechEnd = end
		d.lastCommit = start
		d.logger.Debug("speech started", "offset", d.format.Duration(start), "activity", activity)
		return d.maybeInterim()

	default:
		d.buf = append(d.buf, win...)
		if speech {
			d.speechEnd = end
			d.silence = 0
			return d.maybeInterim()
		}
		d.silence += dur
		if d.silence < d.cfg.SilenceDuration {
			return nil
		}
		if seg, ok := d.finish(); ok {
			return []types.AudioSegment{seg}
		}
		return nil
	}
}

// finish closes the utterance and returns its final segment unless the
// voiced span is too short. Callers hold d.mu.
func (d *Detector) finish() (types.AudioSegment, bool) {
	voiced := d.format.Duration(d.speechEnd - d.uttStart)
	start, buf := d.uttStart, d.buf
	d.buf = nil
	d.resetUtterance()

	if voiced < d.cfg.MinSegmentDuration {
		d.logger.Debug("utterance dropped", "voiced", voiced, "min", d.cfg.MinSegmentDuration)
		return types.AudioSegment{}, false
	}
	seg := d.segment(buf, start, true)
	d.logger.Debug("final segment", "id", seg.ID, "seq", seg.Sequence, "start", seg.Start, "end", seg.End)
	return seg, true
}

// maybeInterim emits a micro-commit when the interval has elapsed. It runs
// only after speech windows. Callers hold d.mu.
func (d *Detector) maybeInterim() []types.AudioSegment {
	if d.cfg.MicroCommitInterval <= 0 {
		return nil
	}
	end := d.uttStart + len(d.buf)
	if d.format.Duration(end-d.lastCommit) < d.cfg.MicroCommitInterval {
		return nil
	}
	if d.format.Duration(d.speechEnd-d.uttStart) < d.cfg.MinSegmentDuration {
		return nil
	}

	start := d.uttStart
	if d.cfg.LookbackWindow > 0 {
		start = max(start, end-d.format.Bytes(d.cfg.LookbackWindow))
	}
	if d.haveCommit {
		start = min(start, d.commitEnd-d.format.Bytes(d.cfg.OverlapWindow))
	}
	start = max(start, d.uttStart)

	seg := d.segment(d.buf[start-d.uttStart:], start, false)
	d.lastCommit = end
	d.commitEnd = end
	d.haveCommit = true
	return []types.AudioSegment{seg}
}

func (d *Detector) segment(pcm []byte, start int, final bool) types.AudioSegment {
	d.seq++
	return types.AudioSegment{
		ID:        d.newID(),
		Sequence:  d.seq,
		Samples:   append([]byte(nil), pcm...),
		Format:    d.format,
		Start:     d.format.Duration(start),
		End:       d.format.Duration(start + len(pcm)),
		IsFinal:   final,
		IsInterim: !final,
	}
}

func (d *Detector) resetWindow() {
	d.win = nil
	d.winSum = 0
	d.winN = 0
}

func (d *Detector) resetUtterance() {
	d.state = Idle
	d.buf = nil
	d.silence = 0
	d.speechEnd = 0
	d.uttStart = 0
	d.lastCommit = 0
	d.commitEnd = 0
	d.haveCommit = false
}
