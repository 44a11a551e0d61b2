package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/stenograph/internal/config"
	sttmock "github.com/MrWong99/stenograph/pkg/provider/stt/mock"
	"github.com/MrWong99/stenograph/pkg/provider/vad/energy"
)

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dict := filepath.Join(dir, "dictionary.txt")
	if err := os.WriteFile(dict, []byte("kubernetes->Kubernetes:100%\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := &config.Config{}
	old.Providers.STT.Name = "mock"
	old.Retry.Dir = filepath.Join(dir, "retry")
	config.ApplyDefaults(old)

	lv := new(slog.LevelVar)
	a, err := New(context.Background(), old,
		&Providers{STT: &sttmock.Provider{}, VAD: energy.New()},
		WithLogLevel(lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if n := a.dict.Engine().Len(); n != 0 {
		t.Fatalf("entries before reload = %d, want 0", n)
	}

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Dictionary.Path = dict
	a.applyConfig(old, &updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if n := a.dict.Engine().Len(); n != 1 {
		t.Errorf("entries after reload = %d, want 1", n)
	}

	// Removing the path disables the dictionary.
	cleared := updated
	cleared.Dictionary.Path = ""
	a.applyConfig(&updated, &cleared)
	if n := a.dict.Engine().Len(); n != 0 {
		t.Errorf("entries after clearing = %d, want 0", n)
	}
}
