package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/stenograph/internal/retry"
	"github.com/MrWong99/stenograph/internal/segment"
	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// [Validate] warns about names not listed here.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vad": {"energy"},
}

// Built-in defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = "127.0.0.1:8090"
	DefaultSampleRate    = 16000
	DefaultFrameMs       = 20
	DefaultMaxConcurrent = 1
	DefaultRetryDir      = "state/retry"
)

// LoadEnv loads KEY=value pairs from the given dotenv files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. ${VAR} references are
// expanded from the environment before decoding; unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}

	s := &cfg.Segment
	if s.ActivityThreshold == 0 {
		s.ActivityThreshold = segment.DefaultActivityThreshold
	}
	if s.SilenceDuration == 0 {
		s.SilenceDuration = segment.DefaultSilenceDuration
	}
	if s.MinSegmentDuration == 0 {
		s.MinSegmentDuration = segment.DefaultMinSegmentDuration
	}
	if s.AnalysisWindow == 0 {
		s.AnalysisWindow = segment.DefaultAnalysisWindow
	}

	if cfg.Pipeline.MaxConcurrent == 0 {
		cfg.Pipeline.MaxConcurrent = DefaultMaxConcurrent
	}

	rt := &cfg.Retry
	if rt.Backend == "" {
		rt.Backend = RetryFile
	}
	if rt.Backend == RetryFile && rt.Dir == "" {
		rt.Dir = DefaultRetryDir
	}
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = retry.DefaultMaxAttempts
	}
	if rt.BaseDelay == 0 {
		rt.BaseDelay = retry.DefaultBaseDelay
	}
	if rt.MaxDelay == 0 {
		rt.MaxDelay = retry.DefaultMaxDelay
	}
	if rt.Jitter == 0 {
		rt.Jitter = retry.DefaultJitter
	}

	ss := &cfg.Session
	if ss.Mode == "" {
		ss.Mode = string(types.ModeStreaming)
	}
	if ss.CommitRepairChars == 0 {
		ss.CommitRepairChars = session.DefaultCommitRepairChars
	}
	if ss.MinBatchDuration == 0 {
		ss.MinBatchDuration = session.DefaultMinBatchDuration
	}
	if ss.PromptHistory == 0 {
		ss.PromptHistory = session.DefaultPromptHistory
	}
	if ss.PromptHistoryChars == 0 {
		ss.PromptHistoryChars = session.DefaultPromptHistoryChars
	}
	if ss.ResetDelay == 0 {
		ss.ResetDelay = session.DefaultResetDelay
	}
}

// Validate checks cfg for coherence and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	if cfg.Session.Correction && cfg.Providers.LLM.Name == "" {
		slog.Warn("session.correction is enabled but providers.llm is not configured; correction is skipped")
	}

	f := types.AudioFormat{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	if !f.Valid() {
		errs = append(errs, fmt.Errorf("audio format %d Hz / %d channels is invalid", f.SampleRate, f.Channels))
	}
	if cfg.Audio.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must not be negative", cfg.Audio.FrameMs))
	}

	if err := cfg.Segment.Detector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segment: %w", err))
	}

	if cfg.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent %d must not be negative", cfg.Pipeline.MaxConcurrent))
	}
	if cfg.Pipeline.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("pipeline.requests_per_second %v must not be negative", cfg.Pipeline.RequestsPerSecond))
	}

	rt := cfg.Retry
	switch {
	case rt.Backend != "" && !rt.Backend.IsValid():
		errs = append(errs, fmt.Errorf("retry.backend %q is invalid; valid values: file, postgres, redis", rt.Backend))
	case rt.Backend == RetryPostgres && rt.PostgresDSN == "":
		errs = append(errs, errors.New("retry.postgres_dsn is required for the postgres backend"))
	case rt.Backend == RetryRedis && rt.RedisURL == "":
		errs = append(errs, errors.New("retry.redis_url is required for the redis backend"))
	}
	if rt.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must not be negative", rt.MaxAttempts))
	}
	if rt.BaseDelay < 0 || rt.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if rt.MaxDelay > 0 && rt.BaseDelay > rt.MaxDelay {
		errs = append(errs, fmt.Errorf("retry.base_delay %v exceeds retry.max_delay %v", rt.BaseDelay, rt.MaxDelay))
	}
	if rt.Jitter < 0 || rt.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter %v is out of range [0, 1)", rt.Jitter))
	}

	ss := cfg.Session
	if ss.Mode != "" && !types.SessionMode(ss.Mode).IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: batch, streaming", ss.Mode))
	}
	if ss.CommitRepairChars < 0 {
		errs = append(errs, fmt.Errorf("session.commit_repair_chars %d must not be negative", ss.CommitRepairChars))
	}
	if ss.PromptHistory < 0 || ss.PromptHistoryChars < 0 {
		errs = append(errs, errors.New("session prompt history settings must not be negative"))
	}

	if cfg.Dictionary.WatchInterval < 0 {
		errs = append(errs, errors.New("dictionary.watch_interval must not be negative"))
	}
	if cfg.Dictionary.WatchInterval > 0 && cfg.Dictionary.Path == "" {
		slog.Warn("dictionary.watch_interval is set but dictionary.path is empty; nothing to watch")
	}

	return errors.Join(errs...)
}

// Detector converts c to the segment detector configuration.
func (c SegmentConfig) Detector() segment.Config {
	return segment.Config{
		ActivityThreshold:   c.ActivityThreshold,
		SilenceDuration:     c.SilenceDuration,
		MinSegmentDuration:  c.MinSegmentDuration,
		AnalysisWindow:      c.AnalysisWindow,
		MicroCommitInterval: c.MicroCommitInterval,
		LookbackWindow:      c.LookbackWindow,
		OverlapWindow:       c.OverlapWindow,
	}
}

// Format returns the configured PCM format.
func (c AudioConfig) Format() types.AudioFormat {
	return types.AudioFormat{SampleRate: c.SampleRate, Channels: c.Channels}
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
