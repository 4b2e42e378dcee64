package llm

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xteam/backend/internal/core"
)

type stubMessagesClient struct {
	resp       *sdk.Message
	err        error
	lastParams sdk.MessageNewParams
}

func (s *stubMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&noopDecoder{}, s.err)
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func TestAnthropicGenerate(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "design "},
				{Type: "text", Text: "document"},
			},
		},
	}
	c := NewAnthropicWithMessages("claude-sonnet-4-5", stub)

	out, err := c.Generate(context.Background(), "plan the system", Options{
		SystemPrompt: "you are an architect",
		Temperature:  0.5,
		MaxTokens:    4096,
	})
	require.NoError(t, err)
	assert.Equal(t, "design document", out)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(4096), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "you are an architect", stub.lastParams.System[0].Text)
}

func TestAnthropicGenerateError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("overloaded")}
	c := NewAnthropicWithMessages("claude-sonnet-4-5", stub)

	_, err := c.Generate(context.Background(), "hi", Options{MaxTokens: 10})
	assert.ErrorIs(t, err, core.ErrUpstream)
}

func TestAnthropicValidateConnection(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	c := NewAnthropicWithMessages("claude-sonnet-4-5", stub)

	require.NoError(t, c.ValidateConnection(context.Background()))
	assert.Equal(t, int64(1), stub.lastParams.MaxTokens)

	stub.err = errors.New("invalid api key")
	assert.ErrorIs(t, c.ValidateConnection(context.Background()), core.ErrUpstream)
}
