// Package pipeline runs detected audio segments through transcription,
// dictionary substitution, LLM correction and output.
//
// Stages run strictly in order for each segment:
//
//  1. Transcribe via the stt gateway. Transient failures are handed to the
//     retry queue and the call waits for the outcome; an empty response is
//     retried once inline; an authorization failure halts the pipeline.
//  2. Dictionary substitution, when enabled.
//  3. LLM correction, when enabled. Transient correction failures fall back
//     to the dictionary text.
//  4. Output of final segments to the configured sink.
//
// At most MaxConcurrent segments are processed at a time; further segments
// wait at entry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/stenograph/internal/correct"
	"github.com/MrWong99/stenograph/internal/dictionary"
	"github.com/MrWong99/stenograph/internal/observe"
	"github.com/MrWong99/stenograph/internal/output"
	"github.com/MrWong99/stenograph/internal/retry"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	"github.com/MrWong99/stenograph/pkg/types"
)

// ErrHalted is returned for every segment submitted while the pipeline is
// halted after an authorization failure. The original cause is wrapped with
// it, so errors.Is(err, stt.ErrAuth) holds as well.
var ErrHalted = errors.New("pipeline: halted")

// Corrector is the correction capability. [correct.Corrector] implements it.
type Corrector interface {
	Correct(ctx context.Context, text, history string) (correct.Result, error)
}

var _ Corrector = (*correct.Corrector)(nil)

// SessionConfig carries the per-session settings for [Pipeline.Process].
type SessionConfig struct {
	// Dictionary is the engine snapshot for the session. Nil disables the
	// dictionary stage regardless of DictionaryEnabled.
	Dictionary        *dictionary.Engine
	DictionaryEnabled bool

	CorrectionEnabled bool

	// AutoOutput writes the final text of final segments to the sink.
	AutoOutput bool

	// Prompt biases transcription. History is preceding transcript passed to
	// the corrector.
	Prompt   string
	History  string
	Language string

	// Arena, if set, owns the ProcessedSegment. The segment is completed in
	// the arena before Process returns.
	Arena *Arena
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithCorrector sets the correction stage implementation.
func WithCorrector(c Corrector) Option {
	return func(p *Pipeline) { p.corrector = c }
}

// WithRetryQueue hands transient transcription failures to q.
func WithRetryQueue(q *retry.Queue) Option {
	return func(p *Pipeline) { p.retry = q }
}

// WithOutput sets the sink receiving final text.
func WithOutput(s output.Sink) Option {
	return func(p *Pipeline) { p.output = s }
}

// WithMaxConcurrent bounds the number of segments processed at once.
// Default: 1.
func WithMaxConcurrent(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxConcurrent = n
		}
	}
}

// WithMetrics records stage durations and segment outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline processes audio segments. It is safe for concurrent use.
type Pipeline struct {
	stt           stt.Provider
	corrector     Corrector
	retry         *retry.Queue
	output        output.Sink
	maxConcurrent int
	metrics       *observe.Metrics
	logger        *slog.Logger

	sem   *semaphore.Weighted
	stats statsCollector

	mu       sync.Mutex
	haltErr  error
	haltedAt time.Time
}

// New creates a Pipeline transcribing through gateway.
func New(gateway stt.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		stt:           gateway,
		maxConcurrent: 1,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.maxConcurrent))
	return p
}

// MaxConcurrent returns the concurrency bound.
func (p *Pipeline) MaxConcurrent() int { return p.maxConcurrent }

// HasCorrector reports whether a correction stage is configured.
func (p *Pipeline) HasCorrector() bool { return p.corrector != nil }

// Halted returns the authorization failure that halted the pipeline, or nil.
func (p *Pipeline) Halted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haltErr
}

// Resume clears a halt so that new segments are processed again.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haltErr != nil {
		p.logger.Info("pipeline resumed", "halted_for", time.Since(p.haltedAt).Round(time.Millisecond))
	}
	p.haltErr = nil
}

func (p *Pipeline) halt(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haltErr == nil {
		p.haltErr = err
		p.haltedAt = time.Now()
		p.logger.Error("pipeline halted: authorization failed", "err", err)
	}
}

// Stats returns aggregate processing statistics.
func (p *Pipeline) Stats() Stats { return p.stats.snapshot() }

// Process runs seg through every stage and returns the result. It never
// returns nil; failures are reported through Status and Err.
func (p *Pipeline) Process(ctx context.Context, seg types.AudioSegment, cfg SessionConfig) *types.ProcessedSegment {
	var ps *types.ProcessedSegment
	if cfg.Arena != nil {
		ps = cfg.Arena.Admit(seg)
	} else {
		ps = newProcessed(seg)
	}
	start := time.Now()
	kind := "final"
	if seg.IsInterim {
		kind = "interim"
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	log := observe.LoggerWith(ctx, p.logger).With("segment", seg.ID, "seq", seg.Sequence, "kind", kind)

	err := p.run(ctx, log, seg, cfg, ps)
	ps.Total = time.Since(start)
	if err != nil {
		ps.Status = types.StatusFailed
		ps.Err = err
		if !errors.Is(err, ErrHalted) && ctx.Err() == nil {
			log.Warn("segment failed", "err", err)
		}
	} else {
		ps.Status = types.StatusCompleted
		log.Debug("segment completed", "chars", len(ps.FinalText), "total", ps.Total)
	}
	observe.EndSpan(span, err)

	p.stats.record(ps)
	p.metrics.RecordSegment(ctx, kind, string(ps.Status))
	if cfg.Arena != nil {
		if done, ok := cfg.Arena.Complete(seg.ID); ok {
			return &done
		}
	}
	return ps
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, seg types.AudioSegment, cfg SessionConfig, ps *types.ProcessedSegment) error {
	if err := p.haltedError(); err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("pipeline: acquire slot: %w", err)
	}
	held := true
	defer func() {
		if held {
			p.sem.Release(1)
		}
	}()
	if err := p.haltedError(); err != nil {
		return err
	}

	// Transcribe. The slot is given up while waiting on the retry queue.
	ps.Status = types.StatusTranscribing
	var err error
	p.stage(ctx, ps, types.StageTranscribe, func(ctx context.Context) error {
		err = p.transcribe(ctx, log, seg, cfg, ps, func() { p.sem.Release(1); held = false }, func() error {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			held = true
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	ps.Status = types.StatusPostprocessing
	text := ps.RawTranscript
	if cfg.DictionaryEnabled && cfg.Dictionary != nil {
		p.stage(ctx, ps, types.StageDictionary, func(context.Context) error {
			res := cfg.Dictionary.Apply(text)
			ps.Replacements = res.Replacements
			text = res.Text
			return nil
		})
		p.metrics.RecordReplacements(ctx, len(ps.Replacements))
	}
	ps.DictionaryText = text

	if cfg.CorrectionEnabled && p.corrector != nil && text != "" {
		p.stage(ctx, ps, types.StageCorrect, func(ctx context.Context) error {
			var res correct.Result
			res, err = p.corrector.Correct(ctx, text, cfg.History)
			switch {
			case err == nil:
				if res.Rejected {
					log.Debug("correction rejected by guard")
				}
				text = res.Text
			case ctx.Err() != nil:
				err = ctx.Err()
			case stt.KindOf(err) == stt.KindAuth:
			default:
				log.Warn("correction failed, keeping dictionary text", "err", err)
				err = nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("pipeline: correct: %w", err)
		}
		ps.CorrectedText = text
	}

	ps.FinalText = text

	if cfg.AutoOutput && seg.IsFinal && p.output != nil && text != "" {
		ps.Status = types.StatusOutputting
		p.stage(ctx, ps, types.StageOutput, func(ctx context.Context) error {
			if err := p.output.Write(ctx, text); err != nil {
				log.Error("output failed", "err", err)
			}
			return nil
		})
	}
	return nil
}

// transcribe runs the transcription stage. release and reacquire give up and
// regain the concurrency slot around a retry queue wait.
func (p *Pipeline) transcribe(ctx context.Context, log *slog.Logger, seg types.AudioSegment, cfg SessionConfig, ps *types.ProcessedSegment, release func(), reacquire func() error) error {
	req := stt.Request{
		Audio:    seg.Samples,
		MIMEType: stt.MIMEPCM,
		Format:   seg.Format,
		Prompt:   cfg.Prompt,
		Language: cfg.Language,
	}
	res, attempts, err := Transcribe(ctx, p.stt, req, p.metrics)
	ps.Attempts = attempts
	if err == nil {
		ps.RawTranscript = res.Text
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch stt.KindOf(err) {
	case stt.KindAuth:
		p.halt(err)
		return fmt.Errorf("pipeline: transcribe: %w", err)
	case stt.KindTransient:
		if p.retry == nil || seg.IsInterim {
			// Interims are superseded by the final; never queue them.
			return fmt.Errorf("pipeline: transcribe: %w", err)
		}
	default:
		return fmt.Errorf("pipeline: transcribe: %w", err)
	}

	log.Warn("transcription failed, handing to retry queue", "err", err)
	payload := retry.Payload{PCM: seg.Samples, Format: seg.Format, Prompt: cfg.Prompt, Language: cfg.Language}
	release()
	out, werr := p.retry.EnqueueAndWait(ctx, payload, err)
	if rerr := reacquire(); rerr != nil {
		return fmt.Errorf("pipeline: reacquire slot: %w", rerr)
	}
	ps.Attempts = attempts + out.Attempts
	if werr != nil {
		if stt.KindOf(werr) == stt.KindAuth {
			p.halt(werr)
		}
		return fmt.Errorf("pipeline: transcribe: %w", werr)
	}
	ps.RawTranscript = out.Text
	return nil
}

func (p *Pipeline) haltedError() error {
	if err := p.Halted(); err != nil {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	return nil
}

// stage times fn, records it in ps and the stage histogram, and traces it.
func (p *Pipeline) stage(ctx context.Context, ps *types.ProcessedSegment, st types.Stage, fn func(context.Context) error) {
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(st))
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	ps.Timings[st] = d
	p.metrics.RecordStage(ctx, string(st), d)
	observe.EndSpan(span, err)
}

// Transcribe calls provider once, retrying a single time inline when the
// response is empty. A second empty response is returned as a non-retryable
// error. It returns the number of calls made.
func Transcribe(ctx context.Context, provider stt.Provider, req stt.Request, m *observe.Metrics) (stt.Result, int, error) {
	var (
		res stt.Result
		err error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		res, err = provider.Transcribe(ctx, req)
		status := "ok"
		if err != nil {
			status = stt.KindOf(err).String()
			m.RecordProviderError(ctx, provider.Name(), status)
		}
		m.RecordProviderRequest(ctx, provider.Name(), "stt", status)
		if stt.KindOf(err) != stt.KindEmptyResponse {
			return res, attempt, err
		}
	}
	return res, 2, stt.NewError(provider.Name(), stt.KindInvalid, "empty response after inline retry", err)
}

// RetryHandler returns the [retry.Handler] that re-runs transcription of a
// persisted payload against provider.
func RetryHandler(provider stt.Provider, m *observe.Metrics) retry.Handler {
	return func(ctx context.Context, pl retry.Payload) (string, error) {
		res, _, err := Transcribe(ctx, provider, stt.Request{
			Audio:    pl.PCM,
			MIMEType: stt.MIMEPCM,
			Format:   pl.Format,
			Prompt:   pl.Prompt,
			Language: pl.Language,
		}, m)
		return res.Text, err
	}
}
