// Package mcp defines the tool-provider side of binbot: a [Host] connects to
// one or more Model Context Protocol servers, snapshots their tool catalogues,
// and executes tool calls requested by the language model.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each MCP server to connect to.
//  2. Use [Host.ListTools] to read the catalogue snapshot.
//  3. Use [Host.CallTool] to run tools on behalf of the agent loop.
//  4. Call [Host.Close] to release sessions and child processes.
//
// All methods must be safe for concurrent use.
package mcp

import "context"

// ToolDescriptor is one entry of a server's tool catalogue.
type ToolDescriptor struct {
	// Name is unique within a Host.
	Name string

	Description string

	// InputSchema is the JSON Schema of the tool's arguments. Its type is
	// always "object".
	InputSchema map[string]any

	// Server is the name of the server that owns the tool.
	Server string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output. When IsError is true it holds the
	// tool's error message.
	Content string

	// IsError indicates that the tool ran and reported an application-level
	// error, as opposed to a failure returned through the Go error value.
	IsError bool

	// DurationMs is the wall-clock time from dispatch to full response.
	DurationMs int64
}

// ToolStats captures the measured runtime performance of a single tool over
// its most recent calls.
type ToolStats struct {
	Name      string `json:"name"`
	Server    string `json:"server"`
	P50Ms     int64  `json:"p50_ms"`
	P99Ms     int64  `json:"p99_ms"`
	CallCount int    `json:"call_count"`

	// ErrorRate is the fraction of windowed calls that failed (0.0–1.0).
	ErrorRate float64 `json:"error_rate"`
}

// Host manages connections to MCP servers and routes tool calls.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the server described by cfg and snapshots
	// its tool catalogue. If a server with the same Name is already
	// registered it is replaced.
	//
	// Errors wrap [ErrConnection] when the transport cannot be established and
	// [ErrProtocol] when the initial tool listing fails.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// ListTools returns the catalogue snapshot taken at connection time,
	// across all registered servers.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool calls the named tool with JSON-encoded args.
	//
	// A non-nil *ToolResult is returned when the tool ran, even when
	// [ToolResult.IsError] is true. Otherwise the error wraps one of
	// [ErrToolNotFound], [ErrInvalidArguments], [ErrExecution] or [ErrTimeout].
	CallTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Close shuts down all server connections and releases associated
	// resources. After Close returns the Host must not be used again.
	Close() error
}
