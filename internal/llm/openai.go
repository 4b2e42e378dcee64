package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xteam/backend/internal/core"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// ChatClient is the slice of the go-openai client this package uses.
// Narrowing the dependency keeps the adapter testable with fakes.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAI serves the openai, azure_openai and groq providers, which all
// speak the same chat-completions dialect.
type OpenAI struct {
	provider core.Provider
	model    string
	chat     ChatClient
}

func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		provider: core.ProviderOpenAI,
		model:    model,
		chat:     openai.NewClient(apiKey),
	}
}

// NewAzureOpenAI targets an Azure deployment; model is the deployment
// name on the given resource endpoint.
func NewAzureOpenAI(apiKey, endpoint, model string) *OpenAI {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	return &OpenAI{
		provider: core.ProviderAzureOpenAI,
		model:    model,
		chat:     openai.NewClientWithConfig(cfg),
	}
}

func NewGroq(apiKey, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = groqBaseURL
	return &OpenAI{
		provider: core.ProviderGroq,
		model:    model,
		chat:     openai.NewClientWithConfig(cfg),
	}
}

// NewOpenAICompatible builds an adapter around any ChatClient. Used by
// tests and by deployments fronted by an OpenAI-compatible proxy.
func NewOpenAICompatible(provider core.Provider, model string, chat ChatClient) *OpenAI {
	return &OpenAI{provider: provider, model: model, chat: chat}
}

func (c *OpenAI) Provider() core.Provider { return c.provider }
func (c *OpenAI) Model() string           { return c.model }

func (c *OpenAI) request(prompt string, opts Options) openai.ChatCompletionRequest {
	var msgs []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	return openai.ChatCompletionRequest{
		Model:            c.model,
		Messages:         msgs,
		Temperature:      float32(opts.Temperature),
		MaxTokens:        opts.MaxTokens,
		TopP:             float32(opts.TopP),
		FrequencyPenalty: float32(opts.FrequencyPenalty),
		PresencePenalty:  float32(opts.PresencePenalty),
	}
}

func (c *OpenAI) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := c.chat.CreateChatCompletion(ctx, c.request(prompt, opts))
	if err != nil {
		return "", fmt.Errorf("%s completion: %w: %v", c.provider, core.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion returned no choices: %w", c.provider, core.ErrUpstream)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAI) GenerateStream(ctx context.Context, prompt string, opts Options, onChunk func(string) error) error {
	req := c.request(prompt, opts)
	req.Stream = true

	stream, err := c.chat.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("%s stream: %w: %v", c.provider, core.ErrUpstream, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s stream recv: %w: %v", c.provider, core.ErrUpstream, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if chunk := resp.Choices[0].Delta.Content; chunk != "" {
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
	}
}

func (c *OpenAI) ValidateConnection(ctx context.Context) error {
	if _, err := c.chat.ListModels(ctx); err != nil {
		return fmt.Errorf("%s validate: %w: %v", c.provider, core.ErrUpstream, err)
	}
	return nil
}
