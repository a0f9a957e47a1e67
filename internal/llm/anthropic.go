package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK this adapter
// calls, so tests can substitute a fake without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	messages MessagesClient
}

// NewAnthropicClient wraps an existing Anthropic Messages client.
func NewAnthropicClient(messages MessagesClient) *AnthropicClient {
	return &AnthropicClient{messages: messages}
}

// NewAnthropicClientFromAPIKey constructs a client from the default
// Anthropic HTTP transport.
func NewAnthropicClientFromAPIKey(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&c.Messages), nil
}

// Complete issues a single non-streaming Messages.New call.
func (c *AnthropicClient) Complete(ctx context.Context, cfg Config, messages []Message) (*Response, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm: model identifier is required")
	}
	if cfg.MaxTokens <= 0 {
		return nil, errors.New("llm: max tokens must be positive")
	}
	if len(messages) == 0 {
		return nil, errors.New("llm: at least one message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(cfg.Model),
		MaxTokens: int64(cfg.MaxTokens),
	}
	if cfg.Temperature > 0 {
		params.Temperature = sdk.Float(cfg.Temperature)
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("llm: at least one user/assistant message is required")
	}
	params.Messages = conversation
	if len(system) > 0 {
		params.System = system
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return nil, &RateLimitError{Err: err}
		}
		return nil, fmt.Errorf("llm: anthropic messages.new: %w", err)
	}
	return translate(msg), nil
}

func translate(msg *sdk.Message) *Response {
	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return &Response{
		Content:    content,
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// isRateLimited reports whether err represents an Anthropic 429 response.
// Matched on the error text rather than a concrete SDK error type, since the
// request-layer error this adapter sees is already wrapped by the HTTP
// client plumbing by the time it reaches here.
func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}
