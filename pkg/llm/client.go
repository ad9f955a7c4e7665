// Package llm is the gateway between the decision pipeline and the model
// provider: two messages in, one text out. Retry policy belongs to callers;
// a cycle that loses its LLM call simply records the failure and the next
// cycle tries again.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Gateway is the single-method contract the pipeline depends on.
type Gateway interface {
	// Chat sends a system+user message pair and returns the raw reply text.
	Chat(ctx context.Context, system, user string, temperature float64) (string, error)
}

// Client implements Gateway over any OpenAI-compatible endpoint.
type Client struct {
	cfg    *Config
	openai *openai.Client
}

// ClientOption customises client construction.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient   *http.Client
	openaiClient *openai.Client
}

// WithHTTPClient replaces the transport, primarily for recorded tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithOpenAIClient injects a pre-configured SDK client.
func WithOpenAIClient(c *openai.Client) ClientOption {
	return func(o *clientOptions) { o.openaiClient = c }
}

// NewClient constructs a gateway client from configuration.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("llm: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var state clientOptions
	for _, opt := range opts {
		opt(&state)
	}

	var oa *openai.Client
	if state.openaiClient != nil {
		oa = state.openaiClient
	} else {
		reqOpts := []option.RequestOption{
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
		}
		if cfg.Timeout > 0 {
			reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
		}
		if state.httpClient != nil {
			reqOpts = append(reqOpts, option.WithHTTPClient(state.httpClient))
		}
		c := openai.NewClient(reqOpts...)
		oa = &c
	}
	return &Client{cfg: cfg, openai: oa}, nil
}

// Chat implements Gateway. The temperature is forwarded verbatim.
func (c *Client) Chat(ctx context.Context, system, user string, temperature float64) (string, error) {
	if c == nil || c.openai == nil {
		return "", errors.New("llm: client not initialised")
	}
	completion, err := c.openai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("llm: empty completion response")
	}
	return completion.Choices[0].Message.Content, nil
}

var _ Gateway = (*Client)(nil)
