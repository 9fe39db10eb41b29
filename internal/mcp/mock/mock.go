// Package mock provides an in-memory test double for the [mcp.Host] interface.
//
// [Host] records every method call for assertion in tests and exposes exported
// fields that control what the mock returns. It is safe for concurrent use.
//
// Typical usage:
//
//	h := &mock.Host{
//	    ListToolsResult: []mcp.ToolDescriptor{{Name: "list_bins"}},
//	    CallToolResult:  &mcp.ToolResult{Content: "3 bins"},
//	}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("CallTool"); got != 1 {
//	    t.Errorf("expected 1 CallTool call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/binbot-dev/binbot/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host].
// All exported *Err fields default to nil (success).
type Host struct {
	mu    sync.Mutex
	calls []Call

	RegisterServerErr error

	// ListToolsResult is returned by [Host.ListTools]. When nil, ListTools
	// returns an empty non-nil slice.
	ListToolsResult []mcp.ToolDescriptor
	ListToolsErr    error

	// CallToolFunc, when set, computes the CallTool outcome and takes
	// precedence over CallToolResult and CallToolErr. It is invoked without
	// the mock's lock held so it may block.
	CallToolFunc func(ctx context.Context, name, args string) (*mcp.ToolResult, error)

	// CallToolResult is returned by CallTool when CallToolErr is nil. When
	// both are nil a zero-value *ToolResult is returned.
	CallToolResult *mcp.ToolResult
	CallToolErr    error

	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

func (h *Host) record(method string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: method, Args: args})
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.record("RegisterServer", cfg)
	return h.RegisterServerErr
}

// ListTools implements [mcp.Host].
func (h *Host) ListTools(_ context.Context) ([]mcp.ToolDescriptor, error) {
	h.record("ListTools")
	if h.ListToolsErr != nil {
		return nil, h.ListToolsErr
	}
	if h.ListToolsResult == nil {
		return []mcp.ToolDescriptor{}, nil
	}
	return slices.Clone(h.ListToolsResult), nil
}

// CallTool implements [mcp.Host].
func (h *Host) CallTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.record("CallTool", name, args)
	if h.CallToolFunc != nil {
		return h.CallToolFunc(ctx, name, args)
	}
	if h.CallToolErr != nil {
		return nil, h.CallToolErr
	}
	if h.CallToolResult == nil {
		return &mcp.ToolResult{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *h.CallToolResult
	return &cp, nil
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.record("Close")
	return h.CloseErr
}

var _ mcp.Host = (*Host)(nil)
