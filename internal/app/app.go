// Package app wires the Stenograph subsystems into a running daemon.
//
// New builds every subsystem from the config and the providers created by
// the caller, Run serves the HTTP API and drives the retry scheduler, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRetryStore,
// WithOutput, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stenograph/internal/api"
	"github.com/MrWong99/stenograph/internal/config"
	"github.com/MrWong99/stenograph/internal/correct"
	"github.com/MrWong99/stenograph/internal/dictionary"
	"github.com/MrWong99/stenograph/internal/health"
	"github.com/MrWong99/stenograph/internal/observe"
	"github.com/MrWong99/stenograph/internal/output"
	"github.com/MrWong99/stenograph/internal/pipeline"
	"github.com/MrWong99/stenograph/internal/resilience"
	"github.com/MrWong99/stenograph/internal/retry"
	retrypg "github.com/MrWong99/stenograph/internal/retry/postgres"
	retryredis "github.com/MrWong99/stenograph/internal/retry/redis"
	"github.com/MrWong99/stenograph/internal/segment"
	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/provider/llm"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	"github.com/MrWong99/stenograph/pkg/provider/vad"
	"github.com/MrWong99/stenograph/pkg/types"
)

// errSTTUnavailable is reported by the readiness check while every
// transcription circuit is open.
var errSTTUnavailable = errors.New("all transcription providers unavailable")

// Providers holds the provider instances built by the caller from the
// config registry. STT and VAD are required; LLM is optional.
type Providers struct {
	STT          stt.Provider
	STTFallbacks []stt.Provider
	LLM          llm.Provider
	LLMFallbacks []llm.Provider
	VAD          vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	configPath string
	level      *slog.LevelVar
	logger     *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	sttGroup       *resilience.STTFallback
	gateway        stt.Provider
	store          retry.Store
	queue          *retry.Queue
	dict           *dictionary.Store
	corrector      *correct.Corrector
	sink           output.Sink
	pipeline       *pipeline.Pipeline
	hub            *api.Hub
	coord          *session.Coordinator
	api            *api.Server
	health         *health.Handler
	mux            *http.ServeMux

	// closers are called in order during Shutdown.
	closers []func() error

	watchMu  sync.Mutex
	watchers []*config.Watcher

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRetryStore injects a retry store instead of creating one from config.
func WithRetryStore(s retry.Store) Option {
	return func(a *App) { a.store = s }
}

// WithOutput injects the output sink instead of building one from config.
func WithOutput(s output.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. Default: the
// Prometheus default gatherer.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigPath enables hot reload of the config file at path when
// server.config_watch_interval is set.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the logger handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Pending retry tasks
// are restored from the store before New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a VAD engine is required")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Transcription gateway ─────────────────────────────────────────
	a.initGateway()

	// ── 2. Retry queue ───────────────────────────────────────────────────
	if err := a.initRetry(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init retry: %w", err)
	}

	// ── 3. Dictionary ────────────────────────────────────────────────────
	if err := a.initDictionary(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init dictionary: %w", err)
	}

	// ── 4. Correction ────────────────────────────────────────────────────
	a.initCorrector()

	// ── 5. Output ────────────────────────────────────────────────────────
	if err := a.initOutput(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init output: %w", err)
	}

	// ── 6. Pipeline + coordinator ────────────────────────────────────────
	a.initPipeline()

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) breakerConfig() resilience.FallbackConfig {
	cb := a.cfg.Pipeline.CircuitBreaker
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			Logger:       a.logger,
		},
		Logger: a.logger,
	}
}

// initGateway composes the primary provider, its fallbacks and the rate
// limiter into the single provider the pipeline and retry queue call.
func (a *App) initGateway() {
	a.sttGroup = resilience.NewSTTFallback(a.providers.STT, a.breakerConfig())
	for _, fb := range a.providers.STTFallbacks {
		a.sttGroup.AddFallback(fb)
	}
	a.gateway = a.sttGroup
	if rps := a.cfg.Pipeline.RequestsPerSecond; rps > 0 {
		a.gateway = resilience.NewRateLimitedSTT(a.gateway, rps, a.cfg.Pipeline.Burst)
	}
	a.logger.Info("transcription gateway ready",
		"primary", a.providers.STT.Name(),
		"fallbacks", len(a.providers.STTFallbacks),
		"rate_limit", a.cfg.Pipeline.RequestsPerSecond,
	)
}

// initRetry opens the retry store, builds the queue and restores pending
// tasks.
func (a *App) initRetry(ctx context.Context) error {
	rc := a.cfg.Retry
	if a.store == nil {
		switch rc.Backend {
		case config.RetryPostgres:
			s, err := retrypg.NewStore(ctx, rc.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, func() error { s.Close(); return nil })
		case config.RetryRedis:
			var opts []retryredis.Option
			if rc.RedisPrefix != "" {
				opts = append(opts, retryredis.WithPrefix(rc.RedisPrefix))
			}
			s, err := retryredis.Dial(rc.RedisURL, opts...)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, s.Close)
		default:
			s, err := retry.NewFileStore(rc.Dir)
			if err != nil {
				return err
			}
			a.store = s
		}
	}

	a.queue = retry.New(a.store, pipeline.RetryHandler(a.gateway, a.metrics),
		retry.WithMaxAttempts(rc.MaxAttempts),
		retry.WithBaseDelay(rc.BaseDelay),
		retry.WithMaxDelay(rc.MaxDelay),
		retry.WithJitter(rc.Jitter),
		retry.WithMetrics(a.metrics),
		retry.WithLogger(a.logger),
	)
	n, err := a.queue.Restore(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("retry queue ready", "backend", rc.Backend, "restored", n)
	return nil
}

func dictionaryOptions(dc config.DictionaryConfig) []dictionary.Option {
	opts := []dictionary.Option{dictionary.WithPhonetic(dc.Phonetic)}
	if dc.Seed != 0 {
		opts = append(opts, dictionary.WithSeed(dc.Seed))
	}
	return opts
}

func (a *App) initDictionary() error {
	a.dict = dictionary.NewStore(
		dictionary.WithEngineOptions(dictionaryOptions(a.cfg.Dictionary)...),
		dictionary.WithLogger(a.logger),
	)
	if a.cfg.Dictionary.Path == "" {
		return nil
	}
	return a.dict.Load(a.cfg.Dictionary.Path)
}

func (a *App) initCorrector() {
	if a.providers.LLM == nil {
		return
	}
	group := resilience.NewLLMFallback(a.providers.LLM, a.breakerConfig())
	for _, fb := range a.providers.LLMFallbacks {
		group.AddFallback(fb)
	}
	a.corrector = correct.New(group)
	a.logger.Info("correction ready", "model", a.providers.LLM.Name(), "fallbacks", len(a.providers.LLMFallbacks))
}

func (a *App) initOutput() error {
	if a.sink != nil {
		return nil
	}
	var sinks output.Multi
	if a.cfg.Output.Stdout {
		sinks = append(sinks, output.NewWriterSink(os.Stdout))
	}
	if path := a.cfg.Output.File; path != "" {
		fs, err := output.NewFileSink(path)
		if err != nil {
			return err
		}
		sinks = append(sinks, fs)
		a.closers = append(a.closers, fs.Close)
	}
	if len(sinks) > 0 {
		a.sink = sinks
	}
	return nil
}

func (a *App) initPipeline() {
	popts := []pipeline.Option{
		pipeline.WithRetryQueue(a.queue),
		pipeline.WithMaxConcurrent(a.cfg.Pipeline.MaxConcurrent),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.logger),
	}
	if a.corrector != nil {
		popts = append(popts, pipeline.WithCorrector(a.corrector))
	}
	if a.sink != nil {
		popts = append(popts, pipeline.WithOutput(a.sink))
	}
	a.pipeline = pipeline.New(a.gateway, popts...)

	a.hub = api.NewHub(api.WithHubLogger(a.logger))
	sc := a.cfg.Session
	a.coord = session.New(a.pipeline,
		session.WithEvents(session.MultiSink{a.hub, session.LogSink{Logger: a.logger}}),
		session.WithDictionary(a.dict),
		session.WithCommitRepairChars(sc.CommitRepairChars),
		session.WithMinBatchDuration(sc.MinBatchDuration),
		session.WithPromptHistory(sc.PromptHistory, sc.PromptHistoryChars),
		session.WithCorrection(sc.Correction),
		session.WithAutoOutput(sc.AutoOutput),
		session.WithLanguage(sc.Language),
		session.WithResetDelay(sc.ResetDelay),
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	)
}

// newDetector builds the segment detector for one session.
func (a *App) newDetector() (*segment.Detector, error) {
	return segment.New(a.cfg.Audio.Format(), a.cfg.Segment.Detector(), a.providers.VAD,
		segment.WithLogger(a.logger))
}

func (a *App) initHTTP() {
	a.api = api.NewServer(a.coord, a.newDetector,
		api.WithFrameMs(a.cfg.Audio.FrameMs),
		api.WithDefaultMode(types.SessionMode(a.cfg.Session.Mode)),
		api.WithRetryStatus(a.queue),
		api.WithHub(a.hub),
		api.WithLogger(a.logger),
	)
	a.health = health.New(
		health.PingChecker("retry_store", a.queue),
		health.HealthFunc("stt", a.sttGroup.Healthy, errSTTUnavailable),
	)

	a.mux = http.NewServeMux()
	a.api.Register(a.mux)
	a.health.Register(a.mux)
	a.mux.Handle("GET /metrics", a.metricsHandler)
}

// Handler returns the full HTTP surface wrapped in the metrics middleware.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.mux)
}

// Coordinator returns the session coordinator.
func (a *App) Coordinator() *session.Coordinator { return a.coord }

// Queue returns the retry queue.
func (a *App) Queue() *retry.Queue { return a.queue }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and runs the retry scheduler
// until ctx is cancelled. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.startWatchers(); err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.queue.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: retry queue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Subscribers hold long-lived connections that Shutdown would wait on.
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func (a *App) startWatchers() error {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	if dc := a.cfg.Dictionary; dc.Path != "" && dc.WatchInterval > 0 {
		w, err := config.NewWatcher(dc.Path, func([]byte) error { return a.dict.Reload() },
			config.WithInterval(dc.WatchInterval), config.WithWatchLogger(a.logger))
		if err != nil {
			return fmt.Errorf("app: watch dictionary: %w", err)
		}
		a.watchers = append(a.watchers, w)
	}
	if a.configPath != "" && a.cfg.Server.ConfigWatchInterval > 0 {
		w, err := config.WatchConfig(a.configPath, a.cfg, a.applyConfig,
			config.WithInterval(a.cfg.Server.ConfigWatchInterval), config.WithWatchLogger(a.logger))
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		a.watchers = append(a.watchers, w)
	}
	return nil
}

// applyConfig applies the hot-reloadable part of a changed config.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.HasChanges() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DictionaryChanged {
		a.dict.Configure(dictionaryOptions(new.Dictionary)...)
		if new.Dictionary.Path == "" {
			a.dict.Set(nil)
			a.logger.Info("dictionary disabled")
		} else if err := a.dict.Load(new.Dictionary.Path); err != nil {
			a.logger.Warn("dictionary reload failed, keeping previous entries", "path", new.Dictionary.Path, "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels any open session, stops watchers and closes stores and
// sinks. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		a.watchMu.Lock()
		for _, w := range a.watchers {
			w.Stop()
		}
		a.watchers = nil
		a.watchMu.Unlock()

		a.api.Close(ctx)
		a.hub.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.logger.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
