package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/stenograph/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends used for transcript correction. Authorization failures of one
// backend fail over to the next like any other error.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, llm.ErrEmptyCompletion)
		}
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFallback) AddFallback(p llm.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name returns the primary backend name.
func (f *LLMFallback) Name() string {
	return f.group.entries[0].name
}

// Status returns the breaker state of every backend.
func (f *LLMFallback) Status() []BreakerStatus { return f.group.Status() }
