package resilience

import (
	"context"
	"errors"
	"net/http"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// model endpoints. Each endpoint has its own circuit breaker; when the primary
// fails or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// endpoint. When cfg.Permanent is nil, [IsPermanentLLMError] is used.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = IsPermanentLLMError
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional endpoint as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the endpoint names in the order they are tried.
func (f *LLMFallback) Names() []string {
	return f.group.Names()
}

// IsPermanentLLMError reports whether err would fail the same way on any
// endpoint: a cancelled or expired request, or a status the endpoint uses to
// reject the request itself (400, 413, 422).
func IsPermanentLLMError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch llm.StatusCode(err) {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Complete sends the request to the first healthy endpoint and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy endpoint. Only opening
// the stream is covered by failover: once chunks flow, a mid-stream error is
// delivered on the channel and some text may already have reached the client.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy endpoint's token counter.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the primary. Capabilities are
// static metadata and do not participate in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
