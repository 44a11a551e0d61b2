package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/pkg/provider/stt"
	sttmock "github.com/MrWong99/stenograph/pkg/provider/stt/mock"
)

func transient(name string) error { return stt.NewError(name, stt.KindTransient, "HTTP 503", nil) }

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{ProviderName: "whisper", Responses: []sttmock.Response{{Result: stt.Result{Text: "hello"}}}}
	secondary := &sttmock.Provider{ProviderName: "openai"}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	res, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want hello", res.Text)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
	if fb.Name() != "whisper|openai" {
		t.Errorf("Name = %q", fb.Name())
	}
}

func TestSTTFallback_FailoverOnTransient(t *testing.T) {
	primary := &sttmock.Provider{ProviderName: "whisper", Responses: []sttmock.Response{{Err: transient("whisper")}}}
	secondary := &sttmock.Provider{ProviderName: "openai", Responses: []sttmock.Response{{Result: stt.Result{Text: "from openai"}}}}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	res, err := fb.Transcribe(context.Background(), stt.Request{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "from openai" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestSTTFallback_InvalidIsNotFailedOver(t *testing.T) {
	primary := &sttmock.Provider{Responses: []sttmock.Response{{Err: stt.NewError("mock", stt.KindInvalid, "HTTP 400", nil)}}}
	secondary := &sttmock.Provider{ProviderName: "other"}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	_, err := fb.Transcribe(context.Background(), stt.Request{})
	if stt.KindOf(err) != stt.KindInvalid {
		t.Fatalf("err = %v, want invalid kind", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("invalid request should not reach the fallback")
	}
}

func TestSTTFallback_AllFailKeepsKind(t *testing.T) {
	primary := &sttmock.Provider{Responses: []sttmock.Response{{Err: transient("a")}}}
	secondary := &sttmock.Provider{ProviderName: "b", Responses: []sttmock.Response{{Err: stt.NewError("b", stt.KindAuth, "HTTP 401", nil)}}}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	_, err := fb.Transcribe(context.Background(), stt.Request{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, stt.ErrAuth) {
		t.Errorf("err = %v, want last error kind preserved", err)
	}
}

func TestSTTFallback_OpenCircuitIsTransient(t *testing.T) {
	primary := &sttmock.Provider{Responses: []sttmock.Response{{Err: transient("mock")}}}
	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	_, _ = fb.Transcribe(context.Background(), stt.Request{})
	if fb.Healthy() {
		t.Fatal("breaker should be open")
	}

	_, err := fb.Transcribe(context.Background(), stt.Request{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if !stt.IsRetryable(err) {
		t.Errorf("open circuit should be retryable, kind = %v", stt.KindOf(err))
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary called %d times, want 1", primary.CallCount())
	}
}
