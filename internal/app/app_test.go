package app_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/internal/app"
	"github.com/MrWong99/stenograph/internal/config"
	"github.com/MrWong99/stenograph/internal/retry"
	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	sttmock "github.com/MrWong99/stenograph/pkg/provider/stt/mock"
	"github.com/MrWong99/stenograph/pkg/provider/vad/energy"
	"github.com/MrWong99/stenograph/pkg/types"
)

// testConfig returns a config with a file retry store and a dictionary in
// dir, tuned for short test audio.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	dict := filepath.Join(dir, "dictionary.txt")
	if err := os.WriteFile(dict, []byte("kubernetes->Kubernetes:100%\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	yaml := fmt.Sprintf(`
server:
  listen_addr: "127.0.0.1:0"
providers:
  stt:
    name: mock
segment:
  silence_duration: 300ms
  min_segment_duration: 200ms
retry:
  dir: %q
  base_delay: 1ms
  max_delay: 5ms
session:
  auto_output: true
  reset_delay: 10ms
dictionary:
  path: %q
`, filepath.Join(dir, "retry"), dict)
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders(text string) (*app.Providers, *sttmock.Provider) {
	p := &sttmock.Provider{Responses: []sttmock.Response{{Result: stt.Result{Text: text}}}}
	return &app.Providers{STT: p, VAD: energy.New()}, p
}

type collector struct {
	mu    sync.Mutex
	texts []string
}

func (c *collector) Write(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, t.TempDir())
	if _, err := app.New(context.Background(), cfg, &app.Providers{VAD: energy.New()}); err == nil {
		t.Error("expected error without an STT provider")
	}
	providers, _ := testProviders("x")
	providers.VAD = nil
	if _, err := app.New(context.Background(), cfg, providers); err == nil {
		t.Error("expected error without a VAD engine")
	}
}

func TestNew_InvalidDictionary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	if err := os.WriteFile(cfg.Dictionary.Path, []byte("no arrow here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	providers, _ := testProviders("x")
	if _, err := app.New(context.Background(), cfg, providers); err == nil {
		t.Error("expected error for an invalid dictionary file")
	}
}

func TestNew_RestoresPendingRetries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	store, err := retry.NewFileStore(cfg.Retry.Dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	seed := retry.New(store, func(context.Context, retry.Payload) (string, error) { return "", nil })
	payload := retry.Payload{PCM: make([]byte, 3200), Format: types.AudioFormat{SampleRate: 16000, Channels: 1}}
	if _, err := seed.Enqueue(context.Background(), payload, stt.NewError("mock", stt.KindTransient, "503", nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	providers, _ := testProviders("x")
	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if got := a.Queue().Status().Pending; got != 1 {
		t.Errorf("pending after restore = %d, want 1", got)
	}
}

func TestTranscribeFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	providers, provider := testProviders("we deploy on kubernetes")
	out := &collector{}

	a, err := app.New(context.Background(), cfg, providers, app.WithOutput(out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	// 48kHz stereo exercises the conversion to the configured 16kHz mono.
	src := types.AudioFormat{SampleRate: 48000, Channels: 2}
	samples := make([]int16, src.Bytes(time.Second)/2)
	for i := range samples {
		samples[i] = 8000
	}
	pcm := append(audio.FromSamples(samples), make([]byte, src.Bytes(time.Second))...)
	path := filepath.Join(dir, "speech.wav")
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, src), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := a.TranscribeFile(ctx, path, types.ModeStreaming)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if sum.Transcript != "we deploy on Kubernetes" {
		t.Errorf("transcript = %q, want %q", sum.Transcript, "we deploy on Kubernetes")
	}
	if sum.Stats.Completed != 1 {
		t.Errorf("completed segments = %d, want 1", sum.Stats.Completed)
	}
	if provider.CallCount() != 1 {
		t.Errorf("stt calls = %d, want 1", provider.CallCount())
	}
	if req := provider.Calls[0]; req.Format != (types.AudioFormat{SampleRate: 16000, Channels: 1}) {
		t.Errorf("stt request format = %v, want 16kHz mono", req.Format)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.texts) != 1 || out.texts[0] != "we deploy on Kubernetes" {
		t.Errorf("output = %q", out.texts)
	}
}

func TestTranscribeFile_NotWAV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	providers, _ := testProviders("x")
	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.TranscribeFile(context.Background(), path, types.ModeBatch); err == nil {
		t.Error("expected error for a non-WAV file")
	}
}

func TestServe(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, t.TempDir())
	providers, _ := testProviders("hello")
	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx, ln) }()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/session", "/v1/retry"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Post(base+"/v1/session", "application/json", strings.NewReader(`{"mode":"batch"}`))
	if err != nil {
		t.Fatalf("POST /v1/session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST /v1/session: status %d, want 201", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if got := a.Coordinator().Current().State; got != types.SessionIdle {
		t.Errorf("state after shutdown = %q, want idle", got)
	}
}
