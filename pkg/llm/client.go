// Package llm talks to the external decision service.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used in prompts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client is a chat-completion backend.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

// SamplingOptions tune one call. Zero values leave provider defaults.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// JSON asks the provider for a JSON object response where supported.
	JSON bool `json:"-"`
}

// Response is the assistant's reply.
type Response struct {
	Content string `json:"content"`
}

var (
	// ErrTimeout means the call did not finish within its deadline.
	ErrTimeout = errors.New("llm: decision service timed out")
	// ErrUnavailable means the service refused or failed the call in a way worth retrying.
	ErrUnavailable = errors.New("llm: decision service unavailable")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Timed bounds every call of the wrapped client by a deadline and maps
// deadline expiry to ErrTimeout.
type Timed struct {
	Client  Client
	Timeout time.Duration
}

// Chat implements Client.
func (t Timed) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	if t.Timeout <= 0 {
		return t.Client.Chat(ctx, messages, options)
	}
	callCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	resp, err := t.Client.Chat(callCtx, messages, options)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, t.Timeout, err)
	}
	return resp, err
}

// Config selects and configures a backend.
type Config struct {
	Provider string // openai | anthropic
	URL      string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// New builds the configured backend wrapped with its call timeout.
func New(cfg Config) (Client, error) {
	var c Client
	switch cfg.Provider {
	case "", "openai":
		c = NewOpenAIClient(cfg.URL, cfg.APIKey, cfg.Model)
	case "anthropic":
		c = NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.URL)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	return Timed{Client: c, Timeout: cfg.Timeout}, nil
}
