package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/binbot-dev/binbot/internal/app"
	"github.com/binbot-dev/binbot/internal/chat"
	"github.com/binbot-dev/binbot/internal/config"
	"github.com/binbot-dev/binbot/internal/health"
	"github.com/binbot-dev/binbot/internal/mcp/mcphost"
	"github.com/binbot-dev/binbot/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("binbot starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := app.NewProvider(cfg.Providers, reg, metrics)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, provider,
		app.WithMetrics(metrics),
		app.WithHostOptions(mcphost.WithClientVersion(version)),
	)
	if err != nil {
		return err
	}

	chatHandler, err := chat.New(application,
		chat.WithToolLister(application),
		chat.WithMetrics(metrics),
		chat.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		chat.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	chatHandler.Register(mux)
	health.New(application.Checkers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			applyReload(old, new, &level, application)
		}, config.WithLookup(os.LookupEnv))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = application.Shutdown(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("app shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

func telemetryConfig(cfg *config.Config) observe.ProviderConfig {
	return observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	}
}

// applyReload applies the hot-reloadable parts of a changed config and warns
// about the rest.
func applyReload(old, new *config.Config, level *slog.LevelVar, application *app.App) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		return
	}
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.AgentChanged {
		if err := application.Reload(new.Agent); err != nil {
			slog.Error("agent reload failed, keeping previous settings", "err", err)
		} else {
			slog.Info("agent settings reloaded",
				"system_prompt_changed", diff.SystemPromptChanged,
				"max_turns_changed", diff.MaxTurnsChanged,
			)
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart",
			"sections", strings.Join(diff.RestartRequired, ","))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          binbot — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", cfg.Providers.LLM.Name+" / "+cfg.Providers.LLM.Model)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.Fallbacks)))
	printRow("MCP servers", fmt.Sprint(len(cfg.MCP.Servers)))
	if cfg.MCP.PerRequest {
		printRow("MCP mode", "per-request")
	} else {
		printRow("MCP mode", "shared")
	}
	printRow("Builtin tools", fmt.Sprint(cfg.MCP.BuiltinTools))
	printRow("Max turns", fmt.Sprint(cfg.Agent.MaxTurns))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}
