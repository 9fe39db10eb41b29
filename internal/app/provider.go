package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/binbot-dev/binbot/internal/config"
	"github.com/binbot-dev/binbot/internal/observe"
	"github.com/binbot-dev/binbot/internal/resilience"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// NewProvider instantiates the configured model provider through reg. When
// fallbacks are configured the result is a [resilience.LLMFallback] that tries
// them in order, each behind its own circuit breaker. Breaker trips are
// counted on m as provider errors of kind "circuit_open".
func NewProvider(pc config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "model", pc.LLM.Model)
	if len(pc.Fallbacks) == 0 {
		return primary, nil
	}

	if m == nil {
		m = observe.DefaultMetrics()
	}
	fb := resilience.NewLLMFallback(primary, pc.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				if to == resilience.StateOpen {
					m.RecordProviderError(context.Background(), name, "circuit_open")
				}
			},
		},
	})
	for i, entry := range pc.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: fallback %d: %w", i, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}
