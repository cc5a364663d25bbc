// Package mock provides a recording test double for [llm.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetrec/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider returns canned answers and records every completion request. Set
// the fields before use; they are read under the lock.
type Provider struct {
	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount, when non-zero, replaces the [llm.EstimateTokens] result of
	// CountTokens. CountTokensErr makes CountTokens fail.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities. The zero value means
	// [llm.DefaultCapabilities].
	ModelCapabilities llm.ModelCapabilities

	mu    sync.Mutex
	calls []CompleteCall
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.CountTokensErr != nil:
		return 0, p.CountTokensErr
	case p.TokenCount != 0:
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelCapabilities == (llm.ModelCapabilities{}) {
		return llm.DefaultCapabilities
	}
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.calls))
	copy(out, p.calls)
	return out
}
