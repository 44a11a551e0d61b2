// Package config provides the configuration schema, loader, provider registry
// and file watcher for the Stenograph daemon.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RetryBackend selects where pending retry tasks are persisted.
type RetryBackend string

const (
	RetryFile     RetryBackend = "file"
	RetryPostgres RetryBackend = "postgres"
	RetryRedis    RetryBackend = "redis"
)

// IsValid reports whether b is a known backend.
func (b RetryBackend) IsValid() bool {
	return b == RetryFile || b == RetryPostgres || b == RetryRedis
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Audio      AudioConfig      `yaml:"audio"`
	Segment    SegmentConfig    `yaml:"segment"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Retry      RetryConfig      `yaml:"retry"`
	Session    SessionConfig    `yaml:"session"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Output     OutputConfig     `yaml:"output"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API (e.g. ":8090").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// ConfigWatchInterval is how often the config file is polled for
	// hot-reloadable changes. Zero disables watching.
	ConfigWatchInterval time.Duration `yaml:"config_watch_interval"`
}

// TLSConfig holds PEM certificate and key paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the transcription, correction and VAD backends.
type ProvidersConfig struct {
	// STT is the primary transcription provider.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary's circuit is open or
	// it fails transiently.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// LLM is the correction model. Leave empty to disable correction.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks back up LLM.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// VAD selects the voice activity engine. Defaults to "energy".
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the configuration block shared by all provider kinds. Name
// selects the factory in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	// APIKey may reference the environment as ${VAR}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// AudioConfig describes the PCM format accepted on the audio endpoint.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameMs is the frame size fed to the segment detector.
	FrameMs int `yaml:"frame_ms"`
}

// SegmentConfig mirrors the segment detector settings.
type SegmentConfig struct {
	ActivityThreshold   float64       `yaml:"activity_threshold"`
	SilenceDuration     time.Duration `yaml:"silence_duration"`
	MinSegmentDuration  time.Duration `yaml:"min_segment_duration"`
	AnalysisWindow      time.Duration `yaml:"analysis_window"`
	MicroCommitInterval time.Duration `yaml:"micro_commit_interval"`
	LookbackWindow      time.Duration `yaml:"lookback_window"`
	OverlapWindow       time.Duration `yaml:"overlap_window"`
}

// PipelineConfig controls segment processing.
type PipelineConfig struct {
	// MaxConcurrent bounds segments processed at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RequestsPerSecond rate-limits transcription calls. Zero disables the
	// limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// CircuitBreaker tunes the provider fallback groups.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes provider circuit breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// RetryConfig controls the durable retry queue.
type RetryConfig struct {
	Backend RetryBackend `yaml:"backend"`

	// Dir is the file backend's state directory.
	Dir string `yaml:"dir"`

	// PostgresDSN configures the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisURL and RedisPrefix configure the redis backend.
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`

	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// SessionConfig holds session coordinator defaults.
type SessionConfig struct {
	// Mode is used when a start request names none.
	Mode string `yaml:"mode"`

	CommitRepairChars  int           `yaml:"commit_repair_chars"`
	MinBatchDuration   time.Duration `yaml:"min_batch_duration"`
	PromptHistory      int           `yaml:"prompt_history"`
	PromptHistoryChars int           `yaml:"prompt_history_chars"`
	ResetDelay         time.Duration `yaml:"reset_delay"`

	// Correction enables the LLM stage when an LLM provider is configured.
	Correction bool `yaml:"correction"`

	// AutoOutput writes final segment text to the output sinks.
	AutoOutput bool `yaml:"auto_output"`

	Language string `yaml:"language"`
}

// DictionaryConfig locates the dictionary file.
type DictionaryConfig struct {
	// Path of the dictionary. Empty disables the dictionary stage.
	Path string `yaml:"path"`

	// WatchInterval polls Path for changes. Zero disables hot reload.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// Phonetic enables sound-alike matching in addition to edit distance.
	Phonetic bool `yaml:"phonetic"`

	// Seed fixes the random source for probabilistic entries. Zero seeds
	// randomly.
	Seed uint64 `yaml:"seed"`
}

// OutputConfig selects where final text is written.
type OutputConfig struct {
	Stdout bool   `yaml:"stdout"`
	File   string `yaml:"file"`
}
