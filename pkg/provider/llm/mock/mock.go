// Package mock provides a test double for the llm.Provider interface.
//
// Streaming responses can be scripted per call so that multi-turn agent loops
// (model asks for a tool, sees the result, then answers) run without a live
// backend:
//
//	p := &mock.Provider{
//	    Responses: [][]llm.Chunk{
//	        {{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "list_bins", Arguments: "{}"}}}},
//	        {{Text: "You have 3 bins."}, {FinishReason: "stop"}},
//	    },
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	// Req is a copy of the request; its Messages slice is not shared with the caller.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// Responses scripts StreamCompletion: call n receives Responses[n]. Calls
	// past the end of the script receive StreamChunks.
	Responses [][]llm.Chunk

	// StreamChunks is emitted by unscripted StreamCompletion calls.
	StreamChunks []llm.Chunk

	// StreamErrs scripts start errors: a non-nil StreamErrs[n] is returned by
	// call n instead of opening a channel.
	StreamErrs []error

	// StreamErr, if non-nil, is returned by every unscripted StreamCompletion call.
	StreamErr error

	// Hold, if non-nil, keeps each stream open after its chunks are sent until
	// Hold is closed or the request context ends.
	Hold chan struct{}

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// ModelCapabilities is returned by Capabilities. Nil reports the shared
	// defaults for an unknown model: streaming, tool calling and a 128k window.
	ModelCapabilities *llm.ModelCapabilities

	StreamCalls   []StreamCall
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and returns a channel that emits the
// scripted chunks for this call.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.StreamCalls)
	req.Messages = slices.Clone(req.Messages)
	req.Tools = slices.Clone(req.Tools)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})

	err := p.StreamErr
	if n < len(p.StreamErrs) {
		err = p.StreamErrs[n]
	}
	chunks := p.StreamChunks
	if n < len(p.Responses) {
		chunks = p.Responses[n]
	}
	chunks = slices.Clone(chunks)
	hold := p.Hold
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = slices.Clone(req.Messages)
	req.Tools = slices.Clone(req.Tools)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns the shared estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelCapabilities == nil {
		return llm.ModelCapabilitiesFor("")
	}
	return *p.ModelCapabilities
}

// Completions returns a snapshot of the recorded Complete calls. Thread-safe.
func (p *Provider) Completions() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}

// Calls returns a snapshot of the recorded StreamCompletion calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
