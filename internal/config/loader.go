package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/binbot-dev/binbot/internal/mcp"
)

// ValidProviderNames lists the LLM provider names with a built-in factory.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// EnvToolServer is the name of the MCP server defined by BINBOT_TOOL_URL or
// BINBOT_TOOL_COMMAND.
const EnvToolServer = "tool"

// Format selects the file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatFor picks the format from the file extension. Anything other than
// ".toml" is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from [Default], the file at path and the
// environment read through lookup, then validates it. An empty path skips
// the file layer; a nil lookup skips the environment layer.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		if cfg, err = Decode(bytes.NewReader(data), FormatFor(path)); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r, FormatYAML)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads r in the given format on top of [Default] without
// validating. Unknown keys are rejected.
func Decode(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables on cfg. Only variables that are
// set and non-empty take effect.
//
//	OPENAI_API_KEY / OPEN_API_KEY  providers.llm.api_key
//	BINBOT_LLM_PROVIDER            providers.llm.name
//	BINBOT_MODEL                   providers.llm.model
//	BINBOT_LLM_BASE_URL            providers.llm.base_url
//	BINBOT_TOOL_URL                mcp server "tool" (streamable-http, or BINBOT_TOOL_TRANSPORT)
//	BINBOT_TOOL_COMMAND            mcp server "tool" (stdio)
//	BINBOT_MAX_TURNS               agent.max_turns
//	BINBOT_LISTEN_ADDR             server.listen_addr
//	BINBOT_LOG_LEVEL               server.log_level
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get("OPENAI_API_KEY"); v != "" {
		cfg.Providers.LLM.APIKey = v
	} else if v := get("OPEN_API_KEY"); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := get("BINBOT_LLM_PROVIDER"); v != "" {
		cfg.Providers.LLM.Name = v
	}
	if v := get("BINBOT_MODEL"); v != "" {
		cfg.Providers.LLM.Model = v
	}
	if v := get("BINBOT_LLM_BASE_URL"); v != "" {
		cfg.Providers.LLM.BaseURL = v
	}
	if v := get("BINBOT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := get("BINBOT_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := get("BINBOT_MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BINBOT_MAX_TURNS: %w", err)
		}
		cfg.Agent.MaxTurns = n
	}

	url, command := get("BINBOT_TOOL_URL"), get("BINBOT_TOOL_COMMAND")
	switch {
	case url != "" && command != "":
		return errors.New("config: BINBOT_TOOL_URL and BINBOT_TOOL_COMMAND are mutually exclusive")
	case url != "":
		transport := mcp.TransportStreamableHTTP
		if v := get("BINBOT_TOOL_TRANSPORT"); v != "" {
			transport = mcp.Transport(v)
		}
		setEnvServer(cfg, MCPServerConfig{Name: EnvToolServer, Transport: transport, URL: url})
	case command != "":
		setEnvServer(cfg, MCPServerConfig{Name: EnvToolServer, Transport: mcp.TransportStdio, Command: command})
	}
	return nil
}

// setEnvServer replaces the server named like srv, or appends it.
func setEnvServer(cfg *Config, srv MCPServerConfig) {
	i := slices.IndexFunc(cfg.MCP.Servers, func(s MCPServerConfig) bool { return s.Name == srv.Name })
	if i < 0 {
		cfg.MCP.Servers = append(cfg.MCP.Servers, srv)
		return
	}
	cfg.MCP.Servers[i] = srv
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName(cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
		}
		validateProviderName(fb.Name)
	}

	// Agent
	if cfg.Agent.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("agent.max_turns %d must be at least 1", cfg.Agent.MaxTurns))
	}
	if cfg.Agent.SystemPrompt != "" && cfg.Agent.SystemPromptFile != "" {
		errs = append(errs, errors.New("agent.system_prompt and agent.system_prompt_file are mutually exclusive"))
	}
	if _, err := cfg.Agent.Location(); err != nil {
		errs = append(errs, fmt.Errorf("agent.timezone %q is invalid", cfg.Agent.Timezone))
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if srv.Name == mcp.BuiltinServerName {
				errs = append(errs, fmt.Errorf("%s.name %q is reserved for builtin tools", prefix, srv.Name))
			}
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}

		transport := srv.EffectiveTransport()
		switch {
		case !transport.IsValid():
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http, sse", prefix, srv.Transport))
		case transport == mcp.TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
			if srv.Auth != nil {
				errs = append(errs, fmt.Errorf("%s.auth is not supported for stdio; use env instead", prefix))
			}
			if cfg.MCP.PerRequest {
				slog.Warn("mcp.per_request with a stdio server spawns a subprocess per chat request", "server", srv.Name)
			}
		default:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, transport))
			}
		}
		if srv.CallTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s.call_timeout %s must not be negative", prefix, srv.CallTimeout))
		}
		if srv.ConnectAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s.connect_attempts %d must not be negative", prefix, srv.ConnectAttempts))
		}
	}
	if len(cfg.MCP.Servers) == 0 && !cfg.MCP.BuiltinTools {
		slog.Warn("no MCP servers and builtin tools disabled; the model will answer without tools")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name; may be a typo or a custom registration",
		"name", name,
		"known", ValidProviderNames,
	)
}
