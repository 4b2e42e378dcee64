package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xteam/backend/internal/config"
	"github.com/xteam/backend/internal/core"
)

// Factory builds a client for one agent config.
type Factory func(cfg *core.AgentConfig) (Client, error)

// Registry maps providers to factories and caches constructed clients
// keyed by provider:model so repeated executions reuse connections.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.Provider]Factory
	cache     map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[core.Provider]Factory),
		cache:     make(map[string]Client),
	}
}

// Register installs the factory for a provider, replacing any previous
// one. Cached clients built by the old factory are invalidated.
func (r *Registry) Register(provider core.Provider, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
	for key := range r.cache {
		if strings.HasPrefix(key, string(provider)+":") {
			delete(r.cache, key)
		}
	}
}

// Providers lists the providers that currently have a factory.
func (r *Registry) Providers() []core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}

// Client returns a client for the config. With useCache the client is
// memoized by provider:model; without it a fresh client is built and
// the cache is left untouched.
func (r *Registry) Client(cfg *core.AgentConfig, useCache bool) (Client, error) {
	key := fmt.Sprintf("%s:%s", cfg.Provider, cfg.Model)

	if useCache {
		r.mu.RLock()
		cached, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider, ErrUnsupportedProvider)
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	if useCache {
		r.mu.Lock()
		r.cache[key] = client
		r.mu.Unlock()
	}
	return client, nil
}

// CachedCount reports how many clients are memoized.
func (r *Registry) CachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// NewDefaultRegistry wires the factories for every provider that has
// credentials configured. Providers without credentials are skipped so
// requesting them fails with a clear error instead of a doomed call.
func NewDefaultRegistry(pc config.ProvidersConfig) *Registry {
	r := NewRegistry()

	if pc.OpenAIAPIKey != "" {
		r.Register(core.ProviderOpenAI, func(cfg *core.AgentConfig) (Client, error) {
			return WithBreaker(NewOpenAI(pc.OpenAIAPIKey, cfg.Model)), nil
		})
	}
	if pc.AzureAPIKey != "" && pc.AzureEndpoint != "" {
		r.Register(core.ProviderAzureOpenAI, func(cfg *core.AgentConfig) (Client, error) {
			return WithBreaker(NewAzureOpenAI(pc.AzureAPIKey, pc.AzureEndpoint, cfg.Model)), nil
		})
	}
	if pc.GroqAPIKey != "" {
		r.Register(core.ProviderGroq, func(cfg *core.AgentConfig) (Client, error) {
			return WithBreaker(NewGroq(pc.GroqAPIKey, cfg.Model)), nil
		})
	}
	if pc.AnthropicAPIKey != "" {
		r.Register(core.ProviderAnthropic, func(cfg *core.AgentConfig) (Client, error) {
			return WithBreaker(NewAnthropic(pc.AnthropicAPIKey, cfg.Model)), nil
		})
	}
	r.Register(core.ProviderOllama, func(cfg *core.AgentConfig) (Client, error) {
		return WithBreaker(NewOllama(pc.OllamaBaseURL, cfg.Model)), nil
	})

	slog.Info("model registry initialized", "providers", len(r.factories))
	return r
}
