// Package mcphost provides the concrete implementation of the [mcp.Host]
// interface.
//
// It connects to MCP servers over streamable HTTP, legacy SSE or stdio using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), snapshots
// each server's tool catalogue at connection time, validates call arguments
// against the tool's JSON Schema before dispatch, and keeps rolling-window
// latency statistics per tool.
//
// Typical usage:
//
//	h := mcphost.New(mcphost.WithClientVersion(version))
//
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "bins",
//	    Transport: mcp.TransportStreamableHTTP,
//	    URL:       "http://localhost:8000/mcp",
//	})
//
//	tools, _ := h.ListTools(ctx)
//	result, err := h.CallTool(ctx, "list_bins", `{"org":"Farm A"}`)
//
//	h.Close()
package mcphost

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/binbot-dev/binbot/internal/mcp"
	"github.com/binbot-dev/binbot/internal/observe"
)

// defaultWindowSize is the capacity of each tool's rolling window.
const defaultWindowSize = 100

// clientName is the MCP implementation name announced to servers.
const clientName = "binbot-client"

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	desc mcp.ToolDescriptor

	// schema is nil when the input schema could not be resolved; arguments
	// are then only checked to be a JSON object.
	schema *jsonschema.Resolved

	timeout      time.Duration
	measurements *rollingWindow

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	cfg     mcp.ServerConfig
	session *mcpsdk.ClientSession

	// sem serializes calls when the server is not marked concurrent. A
	// channel is used instead of a mutex so waiting honours the call context.
	sem chan struct{}
}

// Host is the concrete implementation of [mcp.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]*toolEntry  // key: tool name
	servers map[string]*serverConn // key: server name

	// client is reused across all server connections. The SDK allows a
	// single Client to manage multiple sessions concurrently.
	client     *mcpsdk.Client
	httpClient *http.Client
	metrics    *observe.Metrics
}

var _ mcp.Host = (*Host)(nil)

// Option is a functional option for [New].
type Option func(*hostConfig)

type hostConfig struct {
	version    string
	httpClient *http.Client
	metrics    *observe.Metrics
}

// WithClientVersion sets the version announced to MCP servers.
func WithClientVersion(v string) Option {
	return func(c *hostConfig) { c.version = v }
}

// WithHTTPClient sets the HTTP client used by the streamable-http and sse
// transports. The default client traces requests with otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *hostConfig) { c.httpClient = hc }
}

// WithMetrics records tool call counts and latencies on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *hostConfig) { c.metrics = m }
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	cfg := hostConfig{version: "dev"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: clientName, Version: cfg.version},
		nil,
	)
	return &Host{
		tools:      make(map[string]*toolEntry),
		servers:    make(map[string]*serverConn),
		client:     client,
		httpClient: cfg.httpClient,
		metrics:    cfg.metrics,
	}
}

// RegisterServer connects to the MCP server described by cfg and snapshots
// its tool catalogue. If a server with the same Name is already registered,
// the old connection is closed and its tools are replaced.
//
// Connection establishment is retried with exponential backoff up to
// cfg.ConnectAttempts times. Malformed tool descriptors are logged and left
// out of the catalogue.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: %w: server config must have a non-empty name", mcp.ErrConnection)
	}
	if cfg.Name == builtinServerName {
		return fmt.Errorf("mcp host: %w: server name %q is reserved for in-process tools", mcp.ErrConnection, cfg.Name)
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: %w: unknown transport %q for server %q", mcp.ErrConnection, cfg.Transport, cfg.Name)
	}
	cfg = cfg.WithDefaults()

	session, err := backoff.Retry(ctx, func() (*mcpsdk.ClientSession, error) {
		transport, err := h.newTransport(cfg)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return h.client.Connect(ctx, transport, nil)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(cfg.ConnectAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("mcp host: connect failed, retrying",
				"server", cfg.Name, "transport", cfg.Transport, "err", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w: %w", cfg.Name, mcp.ErrConnection, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools for server %q: %w: %w", cfg.Name, mcp.ErrProtocol, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.desc.Server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	conn := &serverConn{cfg: cfg, session: session}
	if !cfg.Concurrent {
		conn.sem = make(chan struct{}, 1)
	}
	h.servers[cfg.Name] = conn

	registered := 0
	for _, t := range discovered {
		entry, err := buildToolEntry(t, cfg)
		if err != nil {
			slog.Warn("mcp host: skipping malformed tool", "server", cfg.Name, "tool", t.Name, "err", err)
			continue
		}
		if existing, dup := h.tools[entry.desc.Name]; dup {
			slog.Warn("mcp host: skipping duplicate tool",
				"server", cfg.Name, "tool", entry.desc.Name, "registered_by", existing.desc.Server)
			continue
		}
		h.tools[entry.desc.Name] = entry
		registered++
	}

	slog.Info("mcp host: server registered",
		"server", cfg.Name, "transport", cfg.Transport, "tools", registered, "skipped", len(discovered)-registered)
	return nil
}

// newTransport builds a fresh SDK transport for cfg. A new value is needed
// per connection attempt since an exec.Cmd cannot be started twice.
func (h *Host) newTransport(cfg mcp.ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := cfg.Command, cfg.Args
		if len(args) == 0 {
			executable, args = splitCommand(cfg.Command)
		}
		if executable == "" {
			return nil, fmt.Errorf("stdio server %q requires a non-empty command", cfg.Name)
		}
		// Not CommandContext: the subprocess must outlive the registration
		// context and is stopped by session.Close.
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
				cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: h.clientFor(cfg)}, nil

	case mcp.TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse server %q requires a non-empty URL", cfg.Name)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: h.clientFor(cfg)}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// clientFor returns the HTTP client for cfg, adding the bearer token header
// when one is configured.
func (h *Host) clientFor(cfg mcp.ServerConfig) *http.Client {
	if cfg.BearerToken == "" {
		return h.httpClient
	}
	base := h.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	cp := *h.httpClient
	cp.Transport = &bearerTransport{token: cfg.BearerToken, base: base}
	return &cp
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// buildToolEntry validates an SDK tool descriptor and converts it into a
// toolEntry. It fails for descriptors that cannot be offered to the model.
func buildToolEntry(t *mcpsdk.Tool, cfg mcp.ServerConfig) (*toolEntry, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, errors.New("empty tool name")
	}
	schema, err := schemaToMap(t.InputSchema)
	if err != nil {
		return nil, err
	}

	entry := &toolEntry{
		desc: mcp.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Server:      cfg.Name,
		},
		timeout:      cfg.CallTimeout,
		measurements: newRollingWindow(defaultWindowSize),
	}
	entry.schema, err = resolveSchema(schema)
	if err != nil {
		slog.Warn("mcp host: input schema not resolvable, argument validation disabled",
			"server", cfg.Name, "tool", t.Name, "err", err)
	}
	return entry, nil
}

// schemaToMap normalises an input schema to a map. A missing schema becomes
// an empty object schema; a schema whose type is not "object" is rejected.
func schemaToMap(schema any) (map[string]any, error) {
	var m map[string]any
	switch s := schema.(type) {
	case nil:
	case map[string]any:
		m = maps.Clone(s)
	default:
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encode input schema: %w", err)
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("input schema is not a JSON object: %w", err)
		}
	}
	if len(m) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	if typ, ok := m["type"]; ok && typ != "object" {
		return nil, fmt.Errorf("input schema type is %v, want object", typ)
	}
	m["type"] = "object"
	return m, nil
}

// resolveSchema compiles schema for validation.
func resolveSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// ListTools returns the catalogue snapshot of all registered servers and
// builtins, sorted by name.
func (h *Host) ListTools(_ context.Context) ([]mcp.ToolDescriptor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]mcp.ToolDescriptor, 0, len(h.tools))
	for _, e := range h.tools {
		d := e.desc
		d.InputSchema = maps.Clone(d.InputSchema)
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b mcp.ToolDescriptor) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// CallTool validates args against the tool's input schema and dispatches the
// call to the owning server (or builtin handler) under the tool's deadline.
//
// A non-nil *ToolResult is returned whenever the tool ran, including when it
// reported an application-level error.
func (h *Host) CallTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var conn *serverConn
	if ok && entry.builtinFn == nil {
		conn = h.servers[entry.desc.Server]
	}
	h.mu.RUnlock()

	if !ok {
		h.recordOutcome(ctx, name, "not_found", 0)
		return nil, fmt.Errorf("mcp host: %w: %q", mcp.ErrToolNotFound, name)
	}

	argsMap, err := validateArgs(entry, args)
	if err != nil {
		h.recordOutcome(ctx, name, "invalid_arguments", 0)
		return nil, fmt.Errorf("mcp host: tool %q: %w: %w", name, mcp.ErrInvalidArguments, err)
	}

	ctx, span := observe.StartSpan(ctx, "mcp.call_tool",
		trace.WithAttributes(
			attribute.String("mcp.tool", name),
			attribute.String("mcp.server", entry.desc.Server),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()

	start := time.Now()
	var result *mcp.ToolResult
	if entry.builtinFn != nil {
		result, err = executeBuiltin(callCtx, entry, args)
	} else {
		result, err = executeRemote(callCtx, conn, entry, argsMap)
	}
	duration := time.Since(start)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("mcp host: tool %q after %s: %w", name, entry.timeout, mcp.ErrTimeout)
		} else {
			err = fmt.Errorf("mcp host: tool %q: %w: %w", name, mcp.ErrExecution, err)
		}
	}

	status := "ok"
	switch {
	case errors.Is(err, mcp.ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	case result.IsError:
		status = "tool_error"
	}
	entry.measurements.Record(duration.Milliseconds(), status != "ok")
	h.recordOutcome(ctx, name, status, duration)

	if err != nil {
		observe.FailSpan(span, err, status)
		return nil, err
	}
	result.DurationMs = duration.Milliseconds()
	return result, nil
}

// validateArgs decodes args as a JSON object and checks it against the
// tool's resolved schema. An empty string is treated as "{}".
func validateArgs(entry *toolEntry, args string) (map[string]any, error) {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %T", decoded)
	}
	if entry.schema != nil {
		if err := entry.schema.Validate(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// executeBuiltin runs an in-process handler, abandoning it when ctx ends.
func executeBuiltin(ctx context.Context, entry *toolEntry, args string) (*mcp.ToolResult, error) {
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := entry.builtinFn(ctx, args)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return &mcp.ToolResult{Content: o.err.Error(), IsError: true}, nil
		}
		return &mcp.ToolResult{Content: o.out}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeRemote routes the call to the owning server session.
func executeRemote(ctx context.Context, conn *serverConn, entry *toolEntry, args map[string]any) (*mcp.ToolResult, error) {
	if conn == nil {
		return nil, fmt.Errorf("server %q is not connected", entry.desc.Server)
	}

	if conn.sem != nil {
		select {
		case conn.sem <- struct{}{}:
			defer func() { <-conn.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.desc.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &mcp.ToolResult{
		Content: renderContent(res),
		IsError: res.IsError,
	}, nil
}

// renderContent flattens a tool result into the text handed to the model.
// Text blocks are concatenated; other content kinds are included as JSON.
// Structured content is used when no content blocks were returned.
func renderContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
			continue
		}
		if data, err := json.Marshal(c); err == nil {
			sb.Write(data)
		}
	}
	if sb.Len() == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			sb.Write(data)
		}
	}
	return sb.String()
}

func (h *Host) recordOutcome(ctx context.Context, tool, status string, d time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordToolCall(ctx, tool, status)
	if d > 0 {
		h.metrics.ToolExecutionDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// ToolStats returns rolling-window statistics for every registered tool,
// sorted by name.
func (h *Host) ToolStats() []mcp.ToolStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]mcp.ToolStats, 0, len(h.tools))
	for _, e := range h.tools {
		out = append(out, mcp.ToolStats{
			Name:      e.desc.Name,
			Server:    e.desc.Server,
			P50Ms:     e.measurements.P50(),
			P99Ms:     e.measurements.P99(),
			CallCount: e.measurements.Count(),
			ErrorRate: e.measurements.ErrorRate(),
		})
	}
	slices.SortFunc(out, func(a, b mcp.ToolStats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Ping checks every connected server. The returned error joins all failures.
func (h *Host) Ping(ctx context.Context) error {
	h.mu.RLock()
	conns := slices.Collect(maps.Values(h.servers))
	h.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := c.session.Ping(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: ping server %q: %w", c.cfg.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down all server connections, terminating stdio subprocesses.
// After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close server %q: %w", name, err))
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]*toolEntry)
	return errors.Join(errs...)
}

// splitCommand splits a command string into executable and arguments.
// e.g. "python sample_mcp_server.py" → ("python", ["sample_mcp_server.py"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
