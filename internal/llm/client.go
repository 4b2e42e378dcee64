// Package llm abstracts the remote model providers behind one
// contract and a registry that caches clients by (provider, model).
package llm

import (
	"context"
	"errors"

	"github.com/xteam/backend/internal/core"
)

// ErrUnsupportedProvider is returned for provider names that have no
// registered factory (cohere is declared in the enum but not served).
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Options carries the sampling parameters of one generation call.
type Options struct {
	SystemPrompt     string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Extra            map[string]interface{}
}

// OptionsFrom lifts the sampling parameters out of an agent config.
func OptionsFrom(cfg *core.AgentConfig) Options {
	return Options{
		SystemPrompt:     cfg.SystemPrompt,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
		Extra:            cfg.Parameters,
	}
}

// Client is the provider-agnostic generation contract.
type Client interface {
	Provider() core.Provider
	Model() string

	// Generate returns the full completion for a prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateStream calls onChunk for each text fragment as it
	// arrives. Returning an error from onChunk aborts the stream.
	GenerateStream(ctx context.Context, prompt string, opts Options, onChunk func(string) error) error

	// ValidateConnection probes the provider with a cheap request.
	ValidateConnection(ctx context.Context) error
}
