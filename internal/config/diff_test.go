package config_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/binbot-dev/binbot/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.ConfigDiff
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			want:   config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
		},
		{
			name:   "system prompt",
			mutate: func(c *config.Config) { c.Agent.SystemPrompt = "be brief" },
			want:   config.ConfigDiff{AgentChanged: true, SystemPromptChanged: true},
		},
		{
			name:   "system prompt file",
			mutate: func(c *config.Config) { c.Agent.SystemPromptFile = "prompt.txt" },
			want:   config.ConfigDiff{AgentChanged: true, SystemPromptChanged: true},
		},
		{
			name:   "max turns",
			mutate: func(c *config.Config) { c.Agent.MaxTurns = 3 },
			want:   config.ConfigDiff{AgentChanged: true, MaxTurnsChanged: true},
		},
		{
			name:   "other agent setting",
			mutate: func(c *config.Config) { c.Agent.ParallelTools = true },
			want:   config.ConfigDiff{AgentChanged: true},
		},
		{
			name:   "listen addr needs restart",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			want:   config.ConfigDiff{RestartRequired: []string{"server"}},
		},
		{
			name: "several sections",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogWarn
				c.Providers.LLM.Model = "gpt-4o"
				c.MCP.Servers = []config.MCPServerConfig{{Name: "bins", URL: "http://bins"}}
				c.Telemetry.OTLPEndpoint = "localhost:4318"
			},
			want: config.ConfigDiff{
				LogLevelChanged: true,
				NewLogLevel:     config.LogWarn,
				RestartRequired: []string{"providers", "mcp", "telemetry"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := config.Default()
			tt.mutate(next)
			got := config.Diff(config.Default(), next)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
			if got.Empty() {
				t.Error("Empty() = true for a changed config")
			}
		})
	}
}
