package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *Handler, path string, ctx context.Context) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	code, body := serve(t, New(Checker{Name: "broken", Check: failWith("x")}), "/healthz", context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "retry_store", Check: ok},
				{Name: "stt", Check: ok},
			},
			wantCode: http.StatusOK,
			want:     map[string]string{"retry_store": "ok", "stt": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "retry_store", Check: failWith("connection refused")},
				{Name: "stt", Check: ok},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"retry_store": "fail: connection refused", "stt": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "retry_store", Check: failWith("timeout")},
				{Name: "stt", Check: failWith("circuit open")},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"retry_store": "fail: timeout", "stt": "fail: circuit open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), "/readyz", context.Background())
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			for k, v := range tt.want {
				if body.Checks[k] != v {
					t.Errorf("check %s = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	start := time.Now()
	if _, err := h.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("checks took %v; they should overlap", elapsed)
	}
}

func TestCheck_RespectsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	code, _ := serve(t, h, "/readyz", ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestAdapters(t *testing.T) {
	t.Parallel()
	errDown := errors.New("all providers unavailable")
	h := New(
		PingChecker("store", pinger{}),
		PingChecker("redis", pinger{err: errors.New("dial tcp: refused")}),
		HealthFunc("stt", func() bool { return false }, errDown),
		HealthFunc("llm", func() bool { return true }, errDown),
	)
	checks, err := h.Check(context.Background())
	if !errors.Is(err, errDown) {
		t.Errorf("err = %v, want it to include %v", err, errDown)
	}
	want := map[string]string{
		"store": "ok",
		"redis": "fail: dial tcp: refused",
		"stt":   "fail: all providers unavailable",
		"llm":   "ok",
	}
	for k, v := range want {
		if checks[k] != v {
			t.Errorf("check %s = %q, want %q", k, checks[k], v)
		}
	}
}
