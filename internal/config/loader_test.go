package config_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/binbot-dev/binbot/internal/config"
	"github.com/binbot-dev/binbot/internal/mcp"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr []string
	}{
		{name: "defaults are valid", mutate: func(*config.Config) {}},
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "missing listen addr",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = "" },
			wantErr: []string{"server.listen_addr"},
		},
		{
			name:    "missing provider",
			mutate:  func(c *config.Config) { c.Providers.LLM.Name = "" },
			wantErr: []string{"providers.llm.name"},
		},
		{
			name: "fallback without name",
			mutate: func(c *config.Config) {
				c.Providers.Fallbacks = []config.ProviderEntry{{Model: "x"}}
			},
			wantErr: []string{"providers.fallbacks[0].name"},
		},
		{
			name:    "zero max turns",
			mutate:  func(c *config.Config) { c.Agent.MaxTurns = 0 },
			wantErr: []string{"agent.max_turns"},
		},
		{
			name: "prompt and prompt file",
			mutate: func(c *config.Config) {
				c.Agent.SystemPrompt = "a"
				c.Agent.SystemPromptFile = "b.txt"
			},
			wantErr: []string{"mutually exclusive"},
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *config.Config) { c.Agent.Timezone = "Mars/Olympus" },
			wantErr: []string{"agent.timezone"},
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *config.Config) { c.Agent.Temperature = 2.5 },
			wantErr: []string{"agent.temperature"},
		},
		{
			name: "stdio without command",
			mutate: func(c *config.Config) {
				c.MCP.Servers = []config.MCPServerConfig{{Name: "a", Transport: mcp.TransportStdio}}
			},
			wantErr: []string{"mcp.servers[0].command"},
		},
		{
			name: "http without url",
			mutate: func(c *config.Config) {
				c.MCP.Servers = []config.MCPServerConfig{{Name: "a"}}
			},
			wantErr: []string{"mcp.servers[0].url"},
		},
		{
			name: "invalid transport",
			mutate: func(c *config.Config) {
				c.MCP.Servers = []config.MCPServerConfig{{Name: "a", Transport: "carrier-pigeon", URL: "x"}}
			},
			wantErr: []string{"mcp.servers[0].transport"},
		},
		{
			name: "auth on stdio",
			mutate: func(c *config.Config) {
				c.MCP.Servers = []config.MCPServerConfig{{
					Name: "a", Command: "srv", Auth: &config.MCPAuthConfig{Token: "t"},
				}}
			},
			wantErr: []string{"mcp.servers[0].auth"},
		},
		{
			name: "duplicate server names",
			mutate: func(c *config.Config) {
				c.MCP.Servers = []config.MCPServerConfig{
					{Name: "a", URL: "http://one"},
					{Name: "a", URL: "http://two"},
				}
			},
			wantErr: []string{"duplicate"},
		},
		{
			name: "reserved server name",
			mutate: func(c *config.Config) {
				c.MCP.Servers = []config.MCPServerConfig{{Name: "builtin", URL: "http://bins.internal/mcp"}}
			},
			wantErr: []string{`mcp.servers[0].name "builtin" is reserved`},
		},
		{
			name: "all failures reported together",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = "loud"
				c.Agent.MaxTurns = -1
				c.MCP.Servers = []config.MCPServerConfig{{URL: "http://x", ConnectAttempts: -1}}
			},
			wantErr: []string{
				"server.log_level",
				"agent.max_turns",
				"mcp.servers[0].name",
				"mcp.servers[0].connect_attempts",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate: unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate: expected error mentioning %v, got nil", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, c *config.Config)
	}{
		{
			name: "provider settings",
			env: map[string]string{
				"OPENAI_API_KEY":      "sk-env",
				"BINBOT_LLM_PROVIDER": "anthropic",
				"BINBOT_MODEL":        "claude-sonnet",
				"BINBOT_LLM_BASE_URL": "http://proxy:8080/v1",
			},
			check: func(t *testing.T, c *config.Config) {
				want := config.ProviderEntry{
					Name:    "anthropic",
					APIKey:  "sk-env",
					Model:   "claude-sonnet",
					BaseURL: "http://proxy:8080/v1",
				}
				if diff := cmp.Diff(want, c.Providers.LLM); diff != "" {
					t.Errorf("providers.llm mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "legacy key name",
			env:  map[string]string{"OPEN_API_KEY": "sk-legacy"},
			check: func(t *testing.T, c *config.Config) {
				if c.Providers.LLM.APIKey != "sk-legacy" {
					t.Errorf("api key = %q, want sk-legacy", c.Providers.LLM.APIKey)
				}
			},
		},
		{
			name: "primary key name wins",
			env:  map[string]string{"OPEN_API_KEY": "sk-legacy", "OPENAI_API_KEY": "sk-new"},
			check: func(t *testing.T, c *config.Config) {
				if c.Providers.LLM.APIKey != "sk-new" {
					t.Errorf("api key = %q, want sk-new", c.Providers.LLM.APIKey)
				}
			},
		},
		{
			name: "server and agent",
			env: map[string]string{
				"BINBOT_LISTEN_ADDR": ":4000",
				"BINBOT_LOG_LEVEL":   "DEBUG",
				"BINBOT_MAX_TURNS":   " 7 ",
			},
			check: func(t *testing.T, c *config.Config) {
				if c.Server.ListenAddr != ":4000" || c.Server.LogLevel != config.LogDebug {
					t.Errorf("server = %+v", c.Server)
				}
				if c.Agent.MaxTurns != 7 {
					t.Errorf("max_turns = %d, want 7", c.Agent.MaxTurns)
				}
			},
		},
		{
			name: "tool url",
			env:  map[string]string{"BINBOT_TOOL_URL": "http://localhost:8000/mcp"},
			check: func(t *testing.T, c *config.Config) {
				want := []config.MCPServerConfig{{
					Name:      config.EnvToolServer,
					Transport: mcp.TransportStreamableHTTP,
					URL:       "http://localhost:8000/mcp",
				}}
				if diff := cmp.Diff(want, c.MCP.Servers); diff != "" {
					t.Errorf("servers mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "tool url over sse",
			env: map[string]string{
				"BINBOT_TOOL_URL":       "http://localhost:8000/sse",
				"BINBOT_TOOL_TRANSPORT": "sse",
			},
			check: func(t *testing.T, c *config.Config) {
				if len(c.MCP.Servers) != 1 || c.MCP.Servers[0].Transport != mcp.TransportSSE {
					t.Errorf("servers = %+v, want one sse server", c.MCP.Servers)
				}
			},
		},
		{
			name: "tool command",
			env:  map[string]string{"BINBOT_TOOL_COMMAND": "python sample_mcp_server.py"},
			check: func(t *testing.T, c *config.Config) {
				want := []config.MCPServerConfig{{
					Name:      config.EnvToolServer,
					Transport: mcp.TransportStdio,
					Command:   "python sample_mcp_server.py",
				}}
				if diff := cmp.Diff(want, c.MCP.Servers); diff != "" {
					t.Errorf("servers mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "empty values ignored",
			env:  map[string]string{"BINBOT_MODEL": "", "BINBOT_LISTEN_ADDR": "   "},
			check: func(t *testing.T, c *config.Config) {
				if c.Providers.LLM.Model != config.DefaultModel || c.Server.ListenAddr != config.DefaultListenAddr {
					t.Errorf("empty env values overrode defaults: %+v %+v", c.Providers.LLM, c.Server)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			if err := config.ApplyEnv(cfg, envMap(tt.env)); err != nil {
				t.Fatalf("ApplyEnv: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnv_ReplacesNamedToolServer(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.MCP.Servers = []config.MCPServerConfig{
		{Name: "bins", URL: "http://bins"},
		{Name: config.EnvToolServer, URL: "http://old"},
	}
	if err := config.ApplyEnv(cfg, envMap(map[string]string{"BINBOT_TOOL_URL": "http://new"})); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.MCP.Servers))
	}
	if cfg.MCP.Servers[0].URL != "http://bins" || cfg.MCP.Servers[1].URL != "http://new" {
		t.Errorf("servers = %+v", cfg.MCP.Servers)
	}
}

func TestApplyEnv_Errors(t *testing.T) {
	t.Parallel()
	tests := map[string]map[string]string{
		"max turns not a number": {"BINBOT_MAX_TURNS": "ten"},
		"url and command":        {"BINBOT_TOOL_URL": "http://x", "BINBOT_TOOL_COMMAND": "srv"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if err := config.ApplyEnv(config.Default(), envMap(env)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for _, name := range config.ValidProviderNames {
		if seen[name] {
			t.Errorf("duplicate provider name %q", name)
		}
		seen[name] = true
	}
	if !seen[config.DefaultLLMProvider] {
		t.Errorf("default provider %q missing from ValidProviderNames", config.DefaultLLMProvider)
	}
}
