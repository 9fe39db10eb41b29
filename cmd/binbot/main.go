// Command binbot is the main entry point for the binbot chat server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/binbot-dev/binbot/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// configPath is the --config flag shared by all subcommands. Empty means
// defaults plus environment variables only.
var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "binbot",
		Short:         "binbot answers questions about farms, barns and bins using MCP tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML configuration file")

	rootCmd.AddCommand(serveCmd, toolsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "binbot: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the binbot version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "binbot", version)
	},
}

// loadConfig reads configPath (if any) and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. Its level is read from lvl on every
// record so a config reload can change it.
func newLogger(lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
