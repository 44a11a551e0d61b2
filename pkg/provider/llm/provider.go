// Package llm defines the Provider interface for large-language-model
// backends used by the transcript correction stage.
//
// Correction is a single request/response exchange, so the interface exposes
// only non-streaming completion. Implementations wrap a hosted or local model
// (OpenAI, any-llm-go backends) and must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyCompletion is returned when the backend answers without content.
	ErrEmptyCompletion = errors.New("llm: empty completion")

	// ErrAuth is wrapped by providers when the backend rejects credentials.
	ErrAuth = errors.New("llm: authorization failed")
)

// Usage reports token consumption for a single request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is the input to Complete.
type CompletionRequest struct {
	// SystemPrompt is sent as the leading system message when non-empty.
	SystemPrompt string

	// Messages is the conversation after the system prompt.
	Messages []Message

	// Temperature controls sampling randomness. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the result of Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the LLM backend contract.
type Provider interface {
	// Complete sends req and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend and model in logs and errors.
	Name() string
}
