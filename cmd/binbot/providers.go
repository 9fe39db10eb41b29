package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/binbot-dev/binbot/internal/config"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
	"github.com/binbot-dev/binbot/pkg/provider/llm/anyllm"
	"github.com/binbot-dev/binbot/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in LLM factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai uses the native SDK client. Any OpenAI-compatible endpoint
	// works through base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = openai.DefaultModel
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		p, err := openai.New(entry.APIKey, model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// The remaining hosted backends share the same pattern: optional APIKey
	// plus optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes integers as int, TOML as
// int64.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// optDuration parses a duration option such as "45s". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
