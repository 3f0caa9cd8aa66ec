package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the OpenAI-compatible client.
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultCallTimeout = 30 * time.Second
)

// chatService is the part of the OpenAI SDK the client uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient performs structured completions against an OpenAI-compatible endpoint.
type OpenAIClient struct {
	chat    chatService
	model   string
	timeout time.Duration
}

// Compile-time checks that the clients implement Client.
var (
	_ Client = (*OpenAIClient)(nil)
	_ Client = (*Retrying)(nil)
)

// OpenAIOpts holds configuration for the OpenAI client.
type OpenAIOpts struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIOpts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAIOpts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAIOpts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Model = model }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAIOpts) { o.Timeout = d }
}

// NewOpenAIClient creates a client. An API key is required.
func NewOpenAIClient(opts ...OpenAIOption) (*OpenAIClient, error) {
	cfg := OpenAIOpts{Model: DefaultOpenAIModel, Timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("OpenAIClient created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "")
	return &OpenAIClient{chat: &cli.Chat.Completions, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instructions),
			openai.UserMessage(req.Content),
		},
		Temperature: openai.Float(0),
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "answer"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	resp, err := c.chat.New(callCtx, params)
	if err != nil {
		return "", classifyOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", Transient(errors.New("no choices returned"))
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		slog.Warn("OpenAIClient.Complete: model refused", "refusal", msg.Refusal)
		return "", ErrUnclassifiable
	}
	slog.Debug("OpenAIClient.Complete: done", "model", c.model, "elapsed", time.Since(start), "chars", len(msg.Content))
	return msg.Content, nil
}

// classifyOpenAIError maps SDK errors onto the oracle failure classes. The parent ctx is
// consulted so a cancelled turn is not mistaken for a timeout worth retrying.
func classifyOpenAIError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500 {
			return Transient(err)
		}
		return fmt.Errorf("oracle request rejected: %w", err)
	}
	// Per-call deadline or network failure.
	return Transient(err)
}
