package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiClient performs structured completions through the Gemini API.
type GeminiClient struct {
	cli     *genai.Client
	model   string
	timeout time.Duration
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient creates a client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key not set")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("GeminiClient created", "model", model)
	return &GeminiClient{cli: cli, model: model, timeout: DefaultCallTimeout}, nil
}

// Complete implements Client. Gemini gets the schema inside the instructions and is asked for
// application/json output.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	instructions := req.Instructions
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return "", fmt.Errorf("failed to encode response schema: %w", err)
		}
		instructions += "\n\nRespond with a single JSON object matching this schema:\n" + string(schema)
	}

	resp, err := g.cli.Models.GenerateContent(callCtx, g.model,
		[]*genai.Content{genai.NewContentFromText(req.Content, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return "", classifyGeminiError(ctx, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			slog.Warn("GeminiClient.Complete: prompt blocked", "reason", resp.PromptFeedback.BlockReason)
			return "", ErrUnclassifiable
		}
		return "", Transient(errors.New("no candidates returned"))
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

func classifyGeminiError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return Transient(err)
		}
		return fmt.Errorf("oracle request rejected: %w", err)
	}
	return Transient(err)
}
