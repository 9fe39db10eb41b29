package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/binbot-dev/binbot/internal/app"
	"github.com/binbot-dev/binbot/internal/chat"
	"github.com/binbot-dev/binbot/internal/mcp/mcphost"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Connect to the configured MCP servers and list their tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var level slog.LevelVar
		level.Set(slogLevel(cfg.Server.LogLevel))
		slog.SetDefault(newLogger(&level))

		infos, err := app.ListTools(cmd.Context(), cfg,
			app.WithHostOptions(mcphost.WithClientVersion(version)))
		if err != nil {
			return err
		}
		if toolsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		return writeToolTable(cmd.OutOrStdout(), infos)
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print the catalog as JSON including input schemas")
}

// writeToolTable prints one line per tool: name, owning server and the first
// line of its description.
func writeToolTable(w io.Writer, infos []chat.ToolInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSERVER\tDESCRIPTION")
	for _, ti := range infos {
		desc, _, _ := strings.Cut(ti.Description, "\n")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ti.Name, ti.Server, desc)
	}
	return tw.Flush()
}
