package resilience

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/MrWong99/stenograph/pkg/provider/stt"
)

// RateLimitedSTT wraps an [stt.Provider] with a token-bucket limiter. Calls
// beyond the configured rate block until a token is available or ctx is done.
type RateLimitedSTT struct {
	next    stt.Provider
	limiter *rate.Limiter
}

var _ stt.Provider = (*RateLimitedSTT)(nil)

// NewRateLimitedSTT allows perSecond requests per second with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimitedSTT(next stt.Provider, perSecond float64, burst int) *RateLimitedSTT {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedSTT{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Transcribe waits for a token and forwards req.
func (r *RateLimitedSTT) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return stt.Result{}, ctx.Err()
		}
		// The wait would outlast the deadline; let the caller retry later.
		return stt.Result{}, stt.NewError(r.next.Name(), stt.KindTransient, "rate limit", err)
	}
	return r.next.Transcribe(ctx, req)
}

// Name returns the wrapped provider name.
func (r *RateLimitedSTT) Name() string { return r.next.Name() }

// Unwrap returns the wrapped provider.
func (r *RateLimitedSTT) Unwrap() stt.Provider { return r.next }
