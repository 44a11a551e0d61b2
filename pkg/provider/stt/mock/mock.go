// Package mock provides a test double for stt.Provider.
//
// Responses are consumed in order; once exhausted the last one repeats:
//
//	p := &mock.Provider{Responses: []mock.Response{
//	    {Err: stt.NewError("mock", stt.KindTransient, "503", nil)},
//	    {Result: stt.Result{Text: "hello"}},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/stenograph/pkg/provider/stt"
)

// Response is one scripted outcome of Transcribe.
type Response struct {
	Result stt.Result
	Err    error
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Responses are returned in order. The last entry repeats.
	Responses []Response

	// Func, if set, takes precedence over Responses.
	Func func(ctx context.Context, req stt.Request) (stt.Result, error)

	// Calls records every request in order.
	Calls []stt.Request
}

// Transcribe records the request and returns the next scripted response.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn := p.Func
	var resp Response
	if len(p.Responses) > 0 {
		resp = p.Responses[0]
		if len(p.Responses) > 1 {
			p.Responses = p.Responses[1:]
		}
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	return resp.Result, resp.Err
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ stt.Provider = (*Provider)(nil)
