// Package composer renders the bot's reply for one turn.
//
// The oracle writes only the short conversational part: an acknowledgement, a follow-up for
// missing details, a rejection or an FAQ answer. Script text is added verbatim around it, so
// questions reach the user exactly as configured. When the oracle fails the static templates
// are used instead, which keeps a reply available after the state was already changed.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
)

// Kind is the kind of turn being answered.
type Kind int

const (
	KindValidated Kind = iota
	KindNeedsMore
	KindInvalid
	KindFAQ
	KindGreeting
)

func (k Kind) String() string {
	switch k {
	case KindValidated:
		return "validated"
	case KindNeedsMore:
		return "needs_more"
	case KindInvalid:
		return "invalid"
	case KindFAQ:
		return "faq"
	case KindGreeting:
		return "greeting"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFor maps a validation outcome to the turn kind that reports it.
func KindFor(o models.Outcome) Kind {
	switch o.Kind {
	case models.OutcomeValid:
		return KindValidated
	case models.OutcomeNeedsMoreDetails:
		return KindNeedsMore
	default:
		return KindInvalid
	}
}

// Turn describes what happened on a turn, after the state was updated.
type Turn struct {
	Kind      Kind
	UserInput string
	Outcome   models.Outcome
	// Advanced is set when the turn moved the cursor.
	Advanced bool
	// Finished is set when the conversation is over after this turn.
	Finished bool
	// AnsweredQuestion is the question the turn answered, when Advanced.
	AnsweredQuestion string
	// NextQuestion is the question now awaiting an answer, or "" when Finished.
	NextQuestion string
	Guidance     []string
}

// Templates are the static texts used around and instead of oracle-written text.
type Templates struct {
	Introduction string
	FAQ          string
	Closing      string
	Acknowledge  string
	NeedsMore    string // may contain one %s for the missing detail
	Invalid      string
	FAQFallback  string
}

// DefaultTemplates returns neutral fallback texts.
func DefaultTemplates() Templates {
	return Templates{
		Introduction: "Hi! Thanks for reaching out. I have a few short questions for you.",
		Closing:      "Thank you, that's everything I need. We'll review your answers and get back to you.",
		Acknowledge:  "Got it, thanks!",
		NeedsMore:    "Thanks, that helps. I still need a bit more detail: %s.",
		Invalid:      "Sorry, that doesn't answer the question yet.",
		FAQFallback:  "Good question! A manager will follow up on it. Meanwhile, let's continue.",
	}
}

// DefaultInstructions sets the tone for oracle-written text.
const DefaultInstructions = `You write one short chat message for a business questionnaire bot.
Tone: friendly, casual and respectful. At most four sentences. No Markdown. Never argue.
Never ask the questionnaire question yourself and never repeat a question that was just
answered; the bot adds the next question after your message. Only use facts given to you.`

var responseSchema = oracle.ObjectSchema(map[string]any{
	"message": map[string]any{"type": "string"},
})

type reply struct {
	Message string `json:"message"`
}

// Composer builds replies.
type Composer struct {
	oracle       oracle.Client
	instructions string
	templates    Templates
}

// Option configures a Composer.
type Option func(*Composer)

// WithInstructions replaces the default instructions.
func WithInstructions(instructions string) Option {
	return func(c *Composer) {
		if strings.TrimSpace(instructions) != "" {
			c.instructions = instructions
		}
	}
}

// WithTemplates overrides templates; empty fields keep their defaults.
func WithTemplates(t Templates) Option {
	return func(c *Composer) {
		merge := func(dst *string, src string) {
			if strings.TrimSpace(src) != "" {
				*dst = src
			}
		}
		merge(&c.templates.Introduction, t.Introduction)
		merge(&c.templates.FAQ, t.FAQ)
		merge(&c.templates.Closing, t.Closing)
		merge(&c.templates.Acknowledge, t.Acknowledge)
		merge(&c.templates.NeedsMore, t.NeedsMore)
		merge(&c.templates.Invalid, t.Invalid)
		merge(&c.templates.FAQFallback, t.FAQFallback)
	}
}

// New creates a Composer. A nil oracle makes every reply come from the templates.
func New(c oracle.Client, opts ...Option) *Composer {
	comp := &Composer{oracle: c, instructions: DefaultInstructions, templates: DefaultTemplates()}
	for _, opt := range opts {
		opt(comp)
	}
	return comp
}

// Introduction returns the first message of a conversation: the introduction and the first
// question.
func (c *Composer) Introduction(firstQuestion string) string {
	return join(c.templates.Introduction, firstQuestion)
}

// Closing returns the closing note.
func (c *Composer) Closing() string {
	return c.templates.Closing
}

// Compose renders the reply for t. It does not fail on oracle errors.
func (c *Composer) Compose(ctx context.Context, t Turn) (string, error) {
	switch t.Kind {
	case KindGreeting:
		return join(c.templates.Introduction, t.NextQuestion), nil
	case KindValidated, KindNeedsMore, KindInvalid, KindFAQ:
	default:
		return "", fmt.Errorf("unknown turn kind %v", t.Kind)
	}

	body := c.write(ctx, t)
	body = stripQuestion(body, t.AnsweredQuestion)
	body = stripQuestion(body, t.NextQuestion)
	if body == "" {
		body = c.fallback(t)
	}

	switch {
	case t.Finished:
		return join(body, c.templates.Closing), nil
	case t.Kind == KindNeedsMore:
		// The follow-up asks for the missing detail; repeating the whole question would bury it.
		return body, nil
	default:
		return join(body, t.NextQuestion), nil
	}
}

// write asks the oracle for the conversational part, or returns "" on failure.
func (c *Composer) write(ctx context.Context, t Turn) string {
	if c.oracle == nil {
		return ""
	}
	var out reply
	err := oracle.CompleteJSON(ctx, c.oracle, oracle.Request{
		Instructions: c.instructions,
		Content:      c.describe(t),
		SchemaName:   "reply",
		Schema:       responseSchema,
	}, &out)
	if err != nil {
		slog.Warn("Composer.write: oracle failed, using template", "kind", t.Kind, "error", err)
		return ""
	}
	return strings.TrimSpace(out.Message)
}

func (c *Composer) describe(t Turn) string {
	var b strings.Builder
	for _, g := range t.Guidance {
		fmt.Fprintf(&b, "Operator instruction: %s\n", g)
	}
	fmt.Fprintf(&b, "User wrote: %q\n", t.UserInput)
	switch t.Kind {
	case KindValidated:
		fmt.Fprintf(&b, "The answer was accepted: %s\n", t.Outcome.Extracted)
		if t.Finished {
			b.WriteString("Thank the user briefly; the questionnaire is complete.\n")
		} else {
			b.WriteString("Acknowledge it in one short sentence.\n")
		}
	case KindNeedsMore:
		fmt.Fprintf(&b, "Question: %s\n", t.NextQuestion)
		if t.Outcome.Extracted != "" {
			fmt.Fprintf(&b, "Understood so far: %s\n", t.Outcome.Extracted)
		}
		fmt.Fprintf(&b, "Missing: %s\n", t.Outcome.Reason)
		b.WriteString("Ask only for the missing detail, in one sentence.\n")
	case KindInvalid:
		fmt.Fprintf(&b, "The answer was not accepted because: %s\n", t.Outcome.Reason)
		b.WriteString("Politely say the answer does not fit yet.\n")
	case KindFAQ:
		if c.templates.FAQ != "" {
			fmt.Fprintf(&b, "Answer the user's question using only this FAQ:\n%s\n", c.templates.FAQ)
		}
		b.WriteString("If the FAQ does not cover it, say a manager will clarify it later.\n")
		b.WriteString("If the user needs time to find the answer, tell them there is no rush and to answer later.\n")
	}
	return b.String()
}

func (c *Composer) fallback(t Turn) string {
	switch t.Kind {
	case KindValidated:
		return c.templates.Acknowledge
	case KindNeedsMore:
		text := c.templates.NeedsMore
		if strings.Contains(text, "%s") {
			text = fmt.Sprintf(text, strings.TrimSuffix(t.Outcome.Reason, "."))
		}
		return join(text, t.NextQuestion)
	case KindFAQ:
		return c.templates.FAQFallback
	default:
		return c.templates.Invalid
	}
}

// stripQuestion removes a verbatim copy of question from text.
func stripQuestion(text, question string) string {
	question = strings.TrimSpace(question)
	if question == "" || text == "" {
		return text
	}
	re := regexp.MustCompile(`(?i)\s*` + regexp.QuoteMeta(question) + `\s*`)
	return strings.TrimSpace(re.ReplaceAllString(text, " "))
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
