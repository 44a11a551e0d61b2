// Command stenograph is the main entry point for the Stenograph transcription
// server.
//
// Usage:
//
//	stenograph [-config config.yaml] [serve]
//	stenograph [-config config.yaml] transcribe [-mode batch|streaming] recording.wav
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/stenograph/internal/app"
	"github.com/MrWong99/stenograph/internal/config"
	"github.com/MrWong99/stenograph/internal/observe"
	"github.com/MrWong99/stenograph/pkg/provider/llm"
	"github.com/MrWong99/stenograph/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/stenograph/pkg/provider/llm/openai"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	oaistt "github.com/MrWong99/stenograph/pkg/provider/stt/openai"
	"github.com/MrWong99/stenograph/pkg/provider/stt/whisper"
	"github.com/MrWong99/stenograph/pkg/provider/vad"
	"github.com/MrWong99/stenograph/pkg/provider/vad/energy"
	"github.com/MrWong99/stenograph/pkg/types"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config is parsed")
	flag.Parse()

	cmd, args := "serve", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "stenograph: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "stenograph: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "stenograph: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "stenograph",
		ServiceVersion: version,
		InstanceID:     os.Getenv("STENOGRAPH_INSTANCE_ID"),
		RetryBackend:   string(cfg.Retry.Backend),
		Transcriber:    cfg.Providers.STT.Name,
		SessionMode:    cfg.Session.Mode,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithConfigPath(*configPath),
		app.WithLogLevel(level),
		app.WithLogger(logger),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	switch cmd {
	case "serve":
		code = serve(ctx, application, cfg, *configPath)
	case "transcribe":
		code = transcribe(ctx, application, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "stenograph: unknown command %q (want serve or transcribe)\n", cmd)
		code = 2
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return code
}

func serve(ctx context.Context, application *app.App, cfg *config.Config, configPath string) int {
	slog.Info("stenograph starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"stt", cfg.Providers.STT.Name,
		"llm", cfg.Providers.LLM.Name,
	)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

func transcribe(ctx context.Context, application *app.App, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	mode := fs.String("mode", cfg.Session.Mode, "session mode: batch or streaming")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stenograph transcribe [-mode batch|streaming] recording.wav")
		return 2
	}

	sum, err := application.TranscribeFile(ctx, fs.Arg(0), types.SessionMode(*mode))
	if err != nil {
		slog.Error("transcription failed", "file", fs.Arg(0), "err", err)
		return 1
	}
	fmt.Println(sum.Transcript)
	slog.Info("transcription complete",
		"segments", sum.Stats.Segments,
		"failed", sum.Stats.Failed,
		"audio", sum.Stats.AudioDuration,
		"took", sum.Stats.Duration,
	)
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm-go with an optional API key
	// and base URL.
	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if alpha, ok := entry.Options["smoothing"].(float64); ok {
			opts = append(opts, energy.WithSmoothing(alpha))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"stt", "llm", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	pc := cfg.Providers

	p, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
	}
	ps.STT = p
	slog.Info("provider created", "kind", "stt", "name", pc.STT.Name)

	for _, entry := range pc.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		ps.STTFallbacks = append(ps.STTFallbacks, p)
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallback", true)
	}

	if name := pc.LLM.Name; name != "" {
		p, err := reg.CreateLLM(pc.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)

		for _, entry := range pc.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			ps.LLMFallbacks = append(ps.LLMFallbacks, p)
			slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallback", true)
		}
	}

	v, err := reg.CreateVAD(pc.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", pc.VAD.Name, err)
	}
	ps.VAD = v

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
