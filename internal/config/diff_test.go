package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":8090"},
		Providers:  config.ProvidersConfig{STT: config.ProviderEntry{Name: "whisper"}},
		Session:    config.SessionConfig{Mode: "streaming"},
		Dictionary: config.DictionaryConfig{Path: "dict.txt"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if d := config.Diff(cfg, baseConfig()); d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Dictionary.Phonetic = true

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: got changed=%v level=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.DictionaryChanged {
		t.Error("expected DictionaryChanged=true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_DictionaryWatchIntervalIgnored(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Dictionary.WatchInterval = time.Second
	if d := config.Diff(old, new); d.DictionaryChanged {
		t.Error("watch interval alone should not trigger a dictionary reload")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9000"
	new.Providers.STT.Model = "large-v3"
	new.Retry.MaxAttempts = 3
	new.Session.Correction = true

	d := config.Diff(old, new)
	for _, want := range []string{"server", "providers", "retry", "session"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.LogLevelChanged {
		t.Error("listen address change should not report a log level change")
	}
}
