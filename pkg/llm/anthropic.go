package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicClient calls the Messages API through the official SDK.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client. baseURL may be empty; it is ignored
// when it still points at the OpenAI-style default.
func NewAnthropicClient(apiKey, model, baseURL string) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" && !strings.Contains(baseURL, "/chat/completions") {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: model}
}

// Chat implements Client. System messages become the system prompt.
func (c *AnthropicClient) Chat(ctx context.Context, msgs []Message, options *SamplingOptions) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultAnthropicMaxTokens,
	}
	if options != nil {
		if options.MaxTokens > 0 {
			params.MaxTokens = int64(options.MaxTokens)
		}
		if options.Temperature > 0 {
			params.Temperature = anthropic.Float(options.Temperature)
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("anthropic: %w", err)
		case errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode >= 500):
			return nil, fmt.Errorf("%w: anthropic status %d", ErrUnavailable, apiErr.StatusCode)
		case errors.As(err, &apiErr):
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		return nil, fmt.Errorf("%w: anthropic: %v", ErrUnavailable, err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &Response{Content: b.String()}, nil
}
