package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/stenograph/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// transcription backends. Each backend has its own circuit breaker.
//
// Only transient and authorization failures trip a breaker or move on to the
// next backend; an invalid request fails the same way everywhere and is
// returned directly. When every breaker is open the call fails with a
// transient [stt.Error] so that callers schedule a retry.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, cfg FallbackConfig) *STTFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = sttFailure
	}
	if cfg.Failover == nil {
		cfg.Failover = sttFailure
	}
	return &STTFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

func sttFailure(err error) bool {
	k := stt.KindOf(err)
	return k == stt.KindTransient || k == stt.KindAuth
}

// AddFallback registers an additional transcription backend.
func (f *STTFallback) AddFallback(p stt.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Transcribe sends req to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	res, err := ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
	if err != nil && errors.Is(err, ErrCircuitOpen) && stt.KindOf(err) != stt.KindTransient {
		return res, stt.NewError(f.Name(), stt.KindTransient, "all backends unavailable", err)
	}
	return res, err
}

// Name lists the backend names in failover order.
func (f *STTFallback) Name() string {
	names := make([]string, len(f.group.entries))
	for i, e := range f.group.entries {
		names[i] = e.name
	}
	return strings.Join(names, "|")
}

// Status returns the breaker state of every backend.
func (f *STTFallback) Status() []BreakerStatus { return f.group.Status() }

// Healthy reports whether at least one backend accepts calls.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }
