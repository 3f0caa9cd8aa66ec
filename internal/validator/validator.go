// Package validator judges whether a user's answer, together with what was learned on earlier
// turns, satisfies the current question's requirement.
//
// The oracle proposes a verdict; the validator then applies fixed rules on top of it so an
// ambiguous answer never advances the conversation:
//   - unknown verdicts, Valid without extracted data and low-confidence Valid become Invalid;
//   - a bare affirmation ("yes", "ok") with nothing recorded for the question is never Valid;
//   - under ConfirmationExplicit a bare affirmation is never Valid at all.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
)

// DefaultMinConfidence is the lowest oracle confidence accepted for a Valid verdict.
const DefaultMinConfidence = 0.6

// DefaultInstructions describes the validation task to the oracle.
const DefaultInstructions = `You validate answers in a business questionnaire.
You get the question, its answer requirement, notes about what the user said earlier for this
question, and the user's new message. Judge the notes and the new message together.

Verdicts:
- valid: together they fully meet the requirement.
- needs_more_details: they meet part of it; say what is missing.
- invalid: they do not address the requirement, or the message is a refusal or a postponement.

Extract only information relevant to this question, as concrete as possible, starting with
"User responded that". Do not take data from unrelated text. A short "yes" or "ok" confirms the
notes only when the notes already answer the requirement.
Report your confidence between 0 and 1.`

// Reasons used when the validator overrides or fills in the oracle's verdict.
const (
	ReasonUnclassifiable   = "the answer could not be understood"
	ReasonLowConfidence    = "the answer is ambiguous"
	ReasonNothingConfirmed = "a bare confirmation does not answer the question on its own"
	ReasonRestateRequired  = "the answer must be stated explicitly, not only confirmed"
	ReasonIncomplete       = "the answer is incomplete"
)

var responseSchema = oracle.ObjectSchema(map[string]any{
	"verdict": map[string]any{
		"type": "string",
		"enum": []string{verdictValid, verdictNeedsMore, verdictInvalid},
	},
	"extracted":  map[string]any{"type": "string"},
	"reason":     map[string]any{"type": "string"},
	"confidence": map[string]any{"type": "number"},
})

const (
	verdictValid     = "valid"
	verdictNeedsMore = "needs_more_details"
	verdictInvalid   = "invalid"
)

type verdict struct {
	Verdict    string  `json:"verdict"`
	Extracted  string  `json:"extracted"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Input is one validation request.
type Input struct {
	UserInput string
	Question  models.Question
	// Context is the partial context accumulated for Question on earlier turns.
	Context string
	// Guidance holds operator instructions added at runtime.
	Guidance []string
}

// Validator turns oracle verdicts into models.Outcome values.
type Validator struct {
	oracle        oracle.Client
	instructions  string
	minConfidence float64
}

// Option configures a Validator.
type Option func(*Validator)

// WithInstructions replaces the default instructions.
func WithInstructions(instructions string) Option {
	return func(v *Validator) {
		if strings.TrimSpace(instructions) != "" {
			v.instructions = instructions
		}
	}
}

// WithMinConfidence sets the confidence threshold for Valid verdicts.
func WithMinConfidence(min float64) Option {
	return func(v *Validator) {
		if min >= 0 && min <= 1 {
			v.minConfidence = min
		}
	}
}

// New creates a Validator backed by c.
func New(c oracle.Client, opts ...Option) *Validator {
	v := &Validator{oracle: c, instructions: DefaultInstructions, minConfidence: DefaultMinConfidence}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate judges in. Errors are returned only for oracle failures the caller should surface
// (transient or cancelled); anything the oracle cannot decide becomes an Invalid outcome.
func (v *Validator) Validate(ctx context.Context, in Input) (models.Outcome, error) {
	var out verdict
	err := oracle.CompleteJSON(ctx, v.oracle, oracle.Request{
		Instructions: v.instructions,
		Content:      buildContent(in),
		SchemaName:   "validation",
		Schema:       responseSchema,
	}, &out)
	if errors.Is(err, oracle.ErrUnclassifiable) {
		return models.Invalid(ReasonUnclassifiable), nil
	}
	if err != nil {
		return models.Outcome{}, fmt.Errorf("validate answer: %w", err)
	}

	outcome := v.decide(in, out)
	slog.Debug("Validator.Validate", "question", in.Question.ID, "verdict", out.Verdict,
		"confidence", out.Confidence, "outcome", outcome.Kind)
	return outcome, nil
}

// decide applies the fail-closed rules to a parsed oracle verdict.
func (v *Validator) decide(in Input, out verdict) models.Outcome {
	extracted := strings.TrimSpace(out.Extracted)
	reason := strings.TrimSpace(out.Reason)

	var outcome models.Outcome
	switch strings.ToLower(strings.TrimSpace(out.Verdict)) {
	case verdictValid:
		switch {
		case extracted == "":
			outcome = models.Invalid(orDefault(reason, ReasonUnclassifiable))
		case out.Confidence < v.minConfidence:
			outcome = models.Invalid(ReasonLowConfidence)
		default:
			outcome = models.Valid(extracted)
		}
	case verdictNeedsMore:
		outcome = models.NeedsMoreDetails(extracted, orDefault(reason, ReasonIncomplete))
	case verdictInvalid:
		outcome = models.Invalid(orDefault(reason, ReasonUnclassifiable))
	default:
		outcome = models.Invalid(ReasonUnclassifiable)
	}

	if outcome.IsValid() && IsBareAffirmation(in.UserInput) {
		if strings.TrimSpace(in.Context) == "" {
			return models.NeedsMoreDetails("", ReasonNothingConfirmed)
		}
		if in.Question.Policy() == models.ConfirmationExplicit {
			return models.NeedsMoreDetails(outcome.Extracted, ReasonRestateRequired)
		}
	}
	return outcome
}

func buildContent(in Input) string {
	var b strings.Builder
	if len(in.Guidance) > 0 {
		b.WriteString("Operator instructions, follow them strictly:\n")
		for _, g := range in.Guidance {
			b.WriteString("- " + g + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", in.Question.Text)
	fmt.Fprintf(&b, "Requirement: %s\n", in.Question.AnswerRequirement)
	if in.Question.Policy() == models.ConfirmationExplicit {
		b.WriteString("The user must state the answer explicitly; a bare confirmation is not enough.\n")
	}
	context := strings.TrimSpace(in.Context)
	if context == "" {
		context = "(nothing yet)"
	}
	fmt.Fprintf(&b, "Earlier notes for this question: %s\n", context)
	fmt.Fprintf(&b, "New user message: %q\n", in.UserInput)
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
