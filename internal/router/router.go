// Package router classifies an inbound message before the state machine acts on it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
)

// DefaultInstructions describes the four categories to the oracle.
const DefaultInstructions = `You classify one chat message sent by a user who is answering a short business questionnaire.
Users often write short, informal or broken English, sometimes mixed with Hindi.

Categories:
- greeting: the message only greets (hello, hi, good morning, how are you) and carries no facts.
- faq: the user asks something or makes a request, even without a question mark
  (what is a PSP, how does it work, I want a higher commission, can I use a current account).
- information: the user states facts, gives data, confirms, or writes anything that is not a
  question, including random or unclear text. Short replies such as "ok", "yes", "thanks" or
  "sure" are information: they may confirm what the bot just asked about.
- ignore: only when the previous bot message explicitly let the user answer later
  (for example "no rush, let me know later" or "take your time and come back to me") and the
  user merely acknowledges that without giving any data.

When unsure between information and anything else, choose information.
Reply with the category and a one-sentence reason.`

var responseSchema = oracle.ObjectSchema(map[string]any{
	"category": map[string]any{
		"type": "string",
		"enum": []string{
			string(models.CategoryGreeting), string(models.CategoryFAQ),
			string(models.CategoryInformation), string(models.CategoryIgnore),
		},
	},
	"reasoning": map[string]any{"type": "string"},
})

type classification struct {
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

// Router classifies user input into a models.Category.
type Router struct {
	oracle       oracle.Client
	instructions string
}

// Option configures a Router.
type Option func(*Router)

// WithInstructions replaces the default classification instructions.
func WithInstructions(instructions string) Option {
	return func(r *Router) {
		if strings.TrimSpace(instructions) != "" {
			r.instructions = instructions
		}
	}
}

// New creates a Router backed by c.
func New(c oracle.Client, opts ...Option) *Router {
	r := &Router{oracle: c, instructions: DefaultInstructions}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify returns the category of input. lastBotMessage is the bot's previous reply, or "" if
// the bot has not spoken yet. Transient oracle failures are returned to the caller; everything
// the oracle cannot decide becomes information so the validator judges it.
func (r *Router) Classify(ctx context.Context, input, lastBotMessage string) (models.Category, error) {
	content := fmt.Sprintf("Previous bot message: %q\nUser message: %q", lastBotMessage, input)

	var out classification
	err := oracle.CompleteJSON(ctx, r.oracle, oracle.Request{
		Instructions: r.instructions,
		Content:      content,
		SchemaName:   "intent",
		Schema:       responseSchema,
	}, &out)
	if errors.Is(err, oracle.ErrUnclassifiable) {
		slog.Warn("Router.Classify: unclassifiable input, treating as information")
		return models.CategoryInformation, nil
	}
	if err != nil {
		return "", fmt.Errorf("classify input: %w", err)
	}

	category, ok := models.ParseCategory(out.Category)
	if !ok {
		slog.Warn("Router.Classify: unknown category, treating as information", "category", out.Category)
		return models.CategoryInformation, nil
	}
	if category == models.CategoryIgnore && !defersInput(lastBotMessage) {
		slog.Debug("Router.Classify: previous message did not defer input, treating ignore as information", "reasoning", out.Reasoning)
		return models.CategoryInformation, nil
	}
	slog.Debug("Router.Classify", "category", category, "reasoning", out.Reasoning)
	return category, nil
}

// deferPhrases are the ways a bot message lets the user answer later.
var deferPhrases = []string{
	"answer later", "reply later", "let me know later", "tell me later", "send it later",
	"take your time", "no rush", "no hurry", "when you're ready", "when you are ready",
	"come back to me", "get back to me",
}

// defersInput reports whether a bot message told the user they may answer later. A message
// that ends by asking something other than the deferral still counts, since the question is
// appended to every FAQ answer.
func defersInput(botMessage string) bool {
	msg := strings.ToLower(botMessage)
	for _, p := range deferPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
