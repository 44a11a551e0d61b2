package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/pkg/provider/stt"
	sttmock "github.com/MrWong99/stenograph/pkg/provider/stt/mock"
)

func TestRateLimitedSTT_Burst(t *testing.T) {
	inner := &sttmock.Provider{ProviderName: "whisper"}
	rl := NewRateLimitedSTT(inner, 0.001, 2)

	ctx := context.Background()
	for i := range 2 {
		if _, err := rl.Transcribe(ctx, stt.Request{}); err != nil {
			t.Fatalf("call %d within burst: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := rl.Transcribe(ctx, stt.Request{})
	if !stt.IsRetryable(err) {
		t.Fatalf("err = %v, want a retryable rate limit error", err)
	}
	if inner.CallCount() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.CallCount())
	}
	if rl.Name() != "whisper" || rl.Unwrap() != inner {
		t.Error("wrapper should expose the inner provider")
	}
}

func TestRateLimitedSTT_Unlimited(t *testing.T) {
	inner := &sttmock.Provider{}
	rl := NewRateLimitedSTT(inner, 0, 0)
	for range 50 {
		if _, err := rl.Transcribe(context.Background(), stt.Request{}); err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
	}
}
