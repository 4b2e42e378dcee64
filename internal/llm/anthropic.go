package llm

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/xteam/backend/internal/core"
)

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService and by fakes in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Anthropic adapts the Claude Messages API to the Client contract.
type Anthropic struct {
	model string
	msg   MessagesClient
}

func NewAnthropic(apiKey, model string) *Anthropic {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{model: model, msg: &ac.Messages}
}

// NewAnthropicWithMessages builds the adapter around an existing
// messages client; tests use this to inject fakes.
func NewAnthropicWithMessages(model string, msg MessagesClient) *Anthropic {
	return &Anthropic{model: model, msg: msg}
}

func (c *Anthropic) Provider() core.Provider { return core.ProviderAnthropic }
func (c *Anthropic) Model() string           { return c.model }

func (c *Anthropic) params(prompt string, opts Options) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(opts.MaxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = sdk.Float(opts.TopP)
	}
	return params
}

func (c *Anthropic) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	msg, err := c.msg.New(ctx, c.params(prompt, opts))
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w: %v", core.ErrUpstream, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (c *Anthropic) GenerateStream(ctx context.Context, prompt string, opts Options, onChunk func(string) error) error {
	stream := c.msg.NewStreaming(ctx, c.params(prompt, opts))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
		if !ok {
			continue
		}
		if err := onChunk(delta.Text); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w: %v", core.ErrUpstream, err)
	}
	return nil
}

// ValidateConnection sends a one-token message; the Messages API has no
// cheaper authenticated probe.
func (c *Anthropic) ValidateConnection(ctx context.Context) error {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	}
	if _, err := c.msg.New(ctx, params); err != nil {
		return fmt.Errorf("anthropic validate: %w: %v", core.ErrUpstream, err)
	}
	return nil
}
