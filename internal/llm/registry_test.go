package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xteam/backend/internal/core"
)

// fakeClient satisfies Client for registry and breaker tests.
type fakeClient struct {
	provider core.Provider
	model    string
	reply    string
	err      error
	calls    int
}

func (f *fakeClient) Provider() core.Provider { return f.provider }
func (f *fakeClient) Model() string           { return f.model }

func (f *fakeClient) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeClient) GenerateStream(ctx context.Context, prompt string, opts Options, onChunk func(string) error) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return onChunk(f.reply)
}

func (f *fakeClient) ValidateConnection(ctx context.Context) error {
	f.calls++
	return f.err
}

func cfgFor(provider core.Provider, model string) *core.AgentConfig {
	return &core.AgentConfig{
		UserID:    "u1",
		Role:      core.RoleEngineer,
		Provider:  provider,
		Model:     model,
		MaxTokens: 1024,
	}
}

func TestRegistryCachesByProviderAndModel(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.Register(core.ProviderOpenAI, func(cfg *core.AgentConfig) (Client, error) {
		built++
		return &fakeClient{provider: core.ProviderOpenAI, model: cfg.Model}, nil
	})

	a, err := r.Client(cfgFor(core.ProviderOpenAI, "gpt-4o"), true)
	require.NoError(t, err)
	b, err := r.Client(cfgFor(core.ProviderOpenAI, "gpt-4o"), true)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, built)

	// A different model is a distinct cache entry.
	_, err = r.Client(cfgFor(core.ProviderOpenAI, "gpt-4o-mini"), true)
	require.NoError(t, err)
	assert.Equal(t, 2, built)
	assert.Equal(t, 2, r.CachedCount())
}

func TestRegistryCacheBypass(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.Register(core.ProviderGroq, func(cfg *core.AgentConfig) (Client, error) {
		built++
		return &fakeClient{provider: core.ProviderGroq, model: cfg.Model}, nil
	})

	_, err := r.Client(cfgFor(core.ProviderGroq, "llama-3.3-70b"), false)
	require.NoError(t, err)
	_, err = r.Client(cfgFor(core.ProviderGroq, "llama-3.3-70b"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, built)
	assert.Equal(t, 0, r.CachedCount())
}

func TestRegistryUnsupportedProvider(t *testing.T) {
	r := NewRegistry()

	_, err := r.Client(cfgFor(core.ProviderCohere, "command-r"), true)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
	assert.Contains(t, err.Error(), "cohere")
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("no credentials")
	r.Register(core.ProviderOllama, func(cfg *core.AgentConfig) (Client, error) {
		return nil, boom
	})

	_, err := r.Client(cfgFor(core.ProviderOllama, "llama3"), true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.CachedCount())
}

func TestOptionsFrom(t *testing.T) {
	cfg := cfgFor(core.ProviderOpenAI, "gpt-4o")
	cfg.SystemPrompt = "be terse"
	cfg.Temperature = 0.4
	cfg.TopP = 0.9

	opts := OptionsFrom(cfg)
	assert.Equal(t, "be terse", opts.SystemPrompt)
	assert.Equal(t, 0.4, opts.Temperature)
	assert.Equal(t, 1024, opts.MaxTokens)
	assert.Equal(t, 0.9, opts.TopP)
}
