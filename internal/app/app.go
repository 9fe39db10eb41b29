// Package app wires all binbot subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects the configured MCP
// servers and assembles the agent loop, Run starts one agent run per chat
// request, and Shutdown tears everything down in order.
//
// App satisfies [chat.Runner] and [chat.ToolLister], so the HTTP layer only
// ever talks to the App. For testing, inject doubles via functional options
// (WithHostOptions, WithMetrics, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/binbot-dev/binbot/internal/agent"
	"github.com/binbot-dev/binbot/internal/chat"
	"github.com/binbot-dev/binbot/internal/config"
	"github.com/binbot-dev/binbot/internal/conversation"
	"github.com/binbot-dev/binbot/internal/health"
	"github.com/binbot-dev/binbot/internal/mcp"
	"github.com/binbot-dev/binbot/internal/mcp/catalog"
	"github.com/binbot-dev/binbot/internal/mcp/mcphost"
	"github.com/binbot-dev/binbot/internal/mcp/tools/clock"
	"github.com/binbot-dev/binbot/internal/observe"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// App owns all subsystem lifetimes and runs the chat agent.
type App struct {
	cfg      *config.Config
	provider llm.Provider
	metrics  *observe.Metrics
	hostOpts []mcphost.Option

	// host and catalog are set in shared mode only. In per-request mode
	// every Run connects its own host.
	host    *mcphost.Host
	catalog *catalog.Catalog

	agentCfg atomic.Pointer[config.AgentConfig]
	loop     atomic.Pointer[agent.Loop]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics overrides [observe.DefaultMetrics] for the agent loop and the
// MCP host.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHostOptions appends options passed to every [mcphost.New] call.
func WithHostOptions(opts ...mcphost.Option) Option {
	return func(a *App) { a.hostOpts = append(a.hostOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around provider. provider is usually built by
// [NewProvider] from the same configuration.
//
// In shared mode (mcp.per_request false) New connects to every configured
// MCP server before returning. A server that cannot be reached is logged and
// left out: the agent then runs with the remaining tools.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if provider == nil {
		return nil, errors.New("app: llm provider must not be nil")
	}
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	ac := cfg.Agent
	a.agentCfg.Store(&ac)

	// ── 1. Tool source ───────────────────────────────────────────────────
	if !cfg.MCP.PerRequest {
		host, cat, err := a.connectTools(ctx, ac)
		if err != nil {
			return nil, fmt.Errorf("app: init mcp: %w", err)
		}
		a.host = host
		a.catalog = cat
		a.closers = append(a.closers, host.Close)
	}

	// ── 2. Agent loop ────────────────────────────────────────────────────
	if a.host != nil {
		loop, err := a.buildLoop(a.host, a.catalog, ac)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init agent: %w", err)
		}
		a.loop.Store(loop)
	} else if _, err := a.buildLoop(nil, catalog.Empty(), ac); err != nil {
		// Validate the agent section up front in per-request mode too.
		return nil, fmt.Errorf("app: init agent: %w", err)
	}

	slog.Info("app: ready",
		"provider", cfg.Providers.LLM.Name,
		"per_request_tools", cfg.MCP.PerRequest,
		"tools", a.toolCount(),
	)
	return a, nil
}

// connectTools builds a host holding every configured server plus the
// builtin tools, and snapshots its catalog. Servers are registered in
// configuration order so the first server to declare a tool name keeps it.
// Builtins come last and never shadow a server tool.
func (a *App) connectTools(ctx context.Context, ac config.AgentConfig) (*mcphost.Host, *catalog.Catalog, error) {
	hostOpts := append([]mcphost.Option{mcphost.WithMetrics(a.metrics)}, a.hostOpts...)
	host := mcphost.New(hostOpts...)

	for _, srv := range a.cfg.MCP.Servers {
		if err := host.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			if ctx.Err() != nil {
				_ = host.Close()
				return nil, nil, ctx.Err()
			}
			slog.Warn("app: mcp server unavailable, continuing without its tools",
				"server", srv.Name, "err", err)
		}
	}

	if a.cfg.MCP.BuiltinTools {
		if err := registerBuiltins(host, ac); err != nil {
			_ = host.Close()
			return nil, nil, err
		}
	}

	cat, err := catalog.FromHost(ctx, host)
	if err != nil {
		_ = host.Close()
		return nil, nil, err
	}
	return host, cat, nil
}

// registerBuiltins (re-)registers the in-process tools. Registering again
// replaces the previous builtins of the same name.
func registerBuiltins(host *mcphost.Host, ac config.AgentConfig) error {
	loc, err := ac.Location()
	if err != nil {
		return err
	}
	for _, t := range clock.Tools(loc) {
		if err := host.RegisterBuiltin(mcphost.BuiltinTool(t)); err != nil {
			return err
		}
	}
	return nil
}

// buildLoop assembles an agent loop from the agent configuration section.
func (a *App) buildLoop(host mcp.Host, cat *catalog.Catalog, ac config.AgentConfig) (*agent.Loop, error) {
	prompt, err := ac.ResolveSystemPrompt()
	if err != nil {
		return nil, err
	}
	loc, err := ac.Location()
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithTimezone(loc),
		agent.WithMaxTurns(ac.MaxTurns),
		agent.WithParallelTools(ac.ParallelTools),
		agent.WithStreaming(!ac.DisableStreaming),
		agent.WithTemperature(ac.Temperature),
		agent.WithMaxTokens(ac.MaxTokens),
		agent.WithProviderName(a.cfg.Providers.LLM.Name),
		agent.WithMetrics(a.metrics),
	}
	if host != nil {
		opts = append(opts, agent.WithTools(host, cat))
	}
	if prompt != "" {
		opts = append(opts, agent.WithSystemPrompt(prompt))
	}
	return agent.New(a.provider, opts...)
}

// ─── Runner ──────────────────────────────────────────────────────────────────

// Run implements [chat.Runner].
func (a *App) Run(ctx context.Context, conv *conversation.State) <-chan agent.Event {
	if loop := a.loop.Load(); loop != nil {
		return loop.Run(ctx, conv)
	}
	return a.runPerRequest(ctx, conv)
}

// runPerRequest connects a fresh host for one run and closes it once the
// run's event stream ends.
func (a *App) runPerRequest(ctx context.Context, conv *conversation.State) <-chan agent.Event {
	out := make(chan agent.Event)
	go func() {
		defer close(out)
		log := observe.Logger(ctx)

		ac := *a.agentCfg.Load()
		host, cat, err := a.connectTools(ctx, ac)
		if err != nil {
			sendEvent(ctx, out, agent.Event{Kind: agent.EventError, Err: fmt.Errorf("app: connect tools: %w", err)})
			return
		}
		defer func() {
			if err := host.Close(); err != nil {
				log.Warn("app: close per-request host", "err", err)
			}
		}()

		loop, err := a.buildLoop(host, cat, ac)
		if err != nil {
			sendEvent(ctx, out, agent.Event{Kind: agent.EventError, Err: err})
			return
		}
		for ev := range loop.Run(ctx, conv) {
			sendEvent(ctx, out, ev)
		}
	}()
	return out
}

// sendEvent forwards ev unless ctx is done. The consumer stops reading once
// it cancels ctx.
func sendEvent(ctx context.Context, out chan<- agent.Event, ev agent.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// ─── Tool listing ────────────────────────────────────────────────────────────

// Tools implements [chat.ToolLister]. In shared mode it reports the live
// catalog with rolling call statistics. In per-request mode it connects a
// temporary host, so no statistics are available.
func (a *App) Tools(ctx context.Context) ([]chat.ToolInfo, error) {
	if a.host != nil {
		return toolInfos(a.catalog, a.host.ToolStats()), nil
	}
	host, cat, err := a.connectTools(ctx, *a.agentCfg.Load())
	if err != nil {
		return nil, err
	}
	defer host.Close()
	return toolInfos(cat, nil), nil
}

// ListTools connects every server named in cfg, returns the resulting
// catalog and disconnects again. It needs no model provider.
func ListTools(ctx context.Context, cfg *config.Config, opts ...Option) ([]chat.ToolInfo, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	host, cat, err := a.connectTools(ctx, cfg.Agent)
	if err != nil {
		return nil, err
	}
	defer host.Close()
	return toolInfos(cat, nil), nil
}

func toolInfos(cat *catalog.Catalog, stats []mcp.ToolStats) []chat.ToolInfo {
	byName := make(map[string]mcp.ToolStats, len(stats))
	for _, s := range stats {
		byName[s.Name] = s
	}
	descs := cat.Descriptors()
	out := make([]chat.ToolInfo, len(descs))
	for i, d := range descs {
		out[i] = chat.ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			Server:      d.Server,
			InputSchema: d.InputSchema,
		}
		if s, ok := byName[d.Name]; ok {
			out[i].Stats = &s
		}
	}
	return out
}

func (a *App) toolCount() int {
	if a.catalog == nil {
		return 0
	}
	return a.catalog.Len()
}

// ─── Health and reload ───────────────────────────────────────────────────────

// Checkers returns the readiness checks for the App's dependencies. MCP
// servers are optional: losing one degrades the agent but does not stop it.
func (a *App) Checkers() []health.Checker {
	if a.host == nil || len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	return []health.Checker{health.PingChecker("mcp", a.host, true)}
}

// Reload applies a new agent section. Runs already in flight keep the loop
// they started with. On error the previous configuration stays active.
func (a *App) Reload(ac config.AgentConfig) error {
	if a.host != nil {
		loop, err := a.buildLoop(a.host, a.catalog, ac)
		if err != nil {
			return fmt.Errorf("app: reload agent: %w", err)
		}
		if a.cfg.MCP.BuiltinTools {
			if err := registerBuiltins(a.host, ac); err != nil {
				return fmt.Errorf("app: reload builtin tools: %w", err)
			}
		}
		a.loop.Store(loop)
	} else if _, err := a.buildLoop(nil, catalog.Empty(), ac); err != nil {
		return fmt.Errorf("app: reload agent: %w", err)
	}
	a.agentCfg.Store(&ac)
	slog.Info("app: agent configuration reloaded", "max_turns", ac.MaxTurns)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}

var (
	_ chat.Runner     = (*App)(nil)
	_ chat.ToolLister = (*App)(nil)
)
