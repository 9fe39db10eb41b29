// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for the binbot server.
//
// A configuration is assembled in three layers: [Default] values, an optional
// YAML or TOML file, and environment overrides applied by [ApplyEnv].
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone database for agent.timezone in minimal images

	"github.com/binbot-dev/binbot/internal/mcp"
)

// LogLevel controls log verbosity for the binbot server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults used by [Default].
const (
	DefaultListenAddr      = ":3000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultLLMProvider     = "openai"
	DefaultModel           = "gpt-4.1"
	DefaultMaxTurns        = 10
	DefaultTimezone        = "America/New_York"
	DefaultServiceName     = "binbot"
)

// Config is the root configuration structure for binbot.
// It is typically loaded with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Providers ProvidersConfig `yaml:"providers" toml:"providers"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// Default returns a configuration populated with the built-in defaults.
// File contents are decoded on top of it, so keys absent from the file keep
// these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			LogLevel:        LogInfo,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Providers: ProvidersConfig{
			LLM: ProviderEntry{Name: DefaultLLMProvider, Model: DefaultModel},
		},
		Agent: AgentConfig{
			MaxTurns: DefaultMaxTurns,
			Timezone: DefaultTimezone,
		},
		MCP: MCPConfig{
			BuiltinTools: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level" toml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown after a termination signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// AllowedOrigins lists host patterns accepted for cross-origin WebSocket
	// upgrades. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	// MaxBodyBytes caps the size of a chat request body. Zero keeps the
	// handler default.
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// ProvidersConfig selects the model endpoint. Fallbacks are tried in order
// when the primary fails before streaming starts.
type ProvidersConfig struct {
	LLM       ProviderEntry   `yaml:"llm" toml:"llm"`
	Fallbacks []ProviderEntry `yaml:"fallbacks" toml:"fallbacks"`
}

// ProviderEntry is the configuration block of one model endpoint.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name" toml:"name"`

	APIKey string `yaml:"api_key" toml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Any
	// OpenAI-compatible server works with the "openai" provider.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	Model string `yaml:"model" toml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options" toml:"options"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	// MaxTurns bounds the number of model calls per request.
	MaxTurns int `yaml:"max_turns" toml:"max_turns"`

	// SystemPrompt replaces the built-in prompt. It may contain the {{today}}
	// placeholder. Mutually exclusive with SystemPromptFile.
	SystemPrompt     string `yaml:"system_prompt" toml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file" toml:"system_prompt_file"`

	// Timezone is the IANA zone used to compute today's date.
	Timezone string `yaml:"timezone" toml:"timezone"`

	Temperature   float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens" toml:"max_tokens"`
	ParallelTools bool    `yaml:"parallel_tools" toml:"parallel_tools"`

	// DisableStreaming requests one blocking completion per model turn. The
	// answer then reaches streaming clients in a single fragment.
	DisableStreaming bool `yaml:"disable_streaming" toml:"disable_streaming"`
}

// Location resolves Timezone. An empty zone is UTC.
func (a AgentConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: agent.timezone: %w", err)
	}
	return loc, nil
}

// ResolveSystemPrompt returns the configured system prompt, reading
// SystemPromptFile when set. It returns "" when neither is configured.
func (a AgentConfig) ResolveSystemPrompt() (string, error) {
	if a.SystemPromptFile == "" {
		return a.SystemPrompt, nil
	}
	data, err := os.ReadFile(a.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("config: read system prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// MCPConfig lists the tool servers and how connections to them are managed.
type MCPConfig struct {
	// PerRequest opens fresh connections for every chat request and closes
	// them when the response ends. When false, one set of connections is
	// established at startup and shared.
	PerRequest bool `yaml:"per_request" toml:"per_request"`

	// BuiltinTools registers the in-process clock tools.
	BuiltinTools bool `yaml:"builtin_tools" toml:"builtin_tools"`

	Servers []MCPServerConfig `yaml:"servers" toml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique identifier for this server (used in logs and the
	// tools listing).
	Name string `yaml:"name" toml:"name"`

	// Transport specifies the connection mechanism. When empty it is
	// inferred: stdio if Command is set, streamable-http otherwise.
	Transport mcp.Transport `yaml:"transport" toml:"transport"`

	// URL is the endpoint for streamable-http and sse transports.
	URL string `yaml:"url" toml:"url"`

	// Command is the executable launched for stdio. When Args is empty the
	// command is split on whitespace.
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`

	// Auth configures authentication for HTTP-based servers.
	Auth *MCPAuthConfig `yaml:"auth" toml:"auth"`

	Concurrent      bool          `yaml:"concurrent" toml:"concurrent"`
	CallTimeout     time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts" toml:"connect_attempts"`
}

// MCPAuthConfig configures authentication for HTTP-based MCP servers.
type MCPAuthConfig struct {
	// Token is a static Bearer token sent in the Authorization header.
	Token string `yaml:"token" toml:"token"`
}

// EffectiveTransport returns Transport, or the transport inferred from the
// other fields when it is empty.
func (s MCPServerConfig) EffectiveTransport() mcp.Transport {
	if s.Transport != "" {
		return s.Transport
	}
	if s.Command != "" {
		return mcp.TransportStdio
	}
	return mcp.TransportStreamableHTTP
}

// ServerConfig converts s into the host-level connection description.
func (s MCPServerConfig) ServerConfig() mcp.ServerConfig {
	out := mcp.ServerConfig{
		Name:            s.Name,
		Transport:       s.EffectiveTransport(),
		URL:             s.URL,
		Command:         s.Command,
		Args:            s.Args,
		Env:             s.Env,
		Concurrent:      s.Concurrent,
		CallTimeout:     s.CallTimeout,
		ConnectAttempts: s.ConnectAttempts,
	}
	if s.Auth != nil {
		out.BearerToken = s.Auth.Token
	}
	return out.WithDefaults()
}

// TelemetryConfig controls tracing export. Metrics are always served on
// /metrics.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" toml:"service_name"`

	// OTLPEndpoint enables OTLP/HTTP trace export when set (e.g.,
	// "localhost:4318").
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
}
