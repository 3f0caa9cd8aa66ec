package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfirmationPolicy decides how much a bare affirmation ("yes", "ok") may confirm.
type ConfirmationPolicy string

const (
	// ConfirmationInfer lets a bare affirmation confirm context that already answers the question.
	ConfirmationInfer ConfirmationPolicy = "infer"
	// ConfirmationExplicit requires the user to restate the answer; a bare affirmation never counts.
	ConfirmationExplicit ConfirmationPolicy = "explicit"
)

// IsValid reports whether the policy is one of the known values.
func (p ConfirmationPolicy) IsValid() bool {
	switch p {
	case ConfirmationInfer, ConfirmationExplicit:
		return true
	default:
		return false
	}
}

var (
	ErrEmptyQuestionText         = errors.New("question text cannot be empty")
	ErrEmptyAnswerRequirement    = errors.New("question answer requirement cannot be empty")
	ErrInvalidConfirmationPolicy = errors.New("invalid confirmation policy")
)

// Question is one step of the script. Questions are configured once and never mutated.
type Question struct {
	ID                string             `json:"id" yaml:"id"`
	Text              string             `json:"text" yaml:"text"`
	AnswerRequirement string             `json:"answer_requirement" yaml:"answer_requirement"`
	Confirmation      ConfirmationPolicy `json:"confirmation,omitempty" yaml:"confirmation,omitempty"`
}

// Policy returns the effective confirmation policy, defaulting to ConfirmationInfer.
func (q Question) Policy() ConfirmationPolicy {
	if q.Confirmation == "" {
		return ConfirmationInfer
	}
	return q.Confirmation
}

// Validate checks that the question can be asked and validated.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return ErrEmptyQuestionText
	}
	if strings.TrimSpace(q.AnswerRequirement) == "" {
		return ErrEmptyAnswerRequirement
	}
	if q.Confirmation != "" && !q.Confirmation.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidConfirmationPolicy, q.Confirmation)
	}
	return nil
}

// QaPair is the frozen answer to a question. The ordered list of pairs is the durable output
// of a conversation.
type QaPair struct {
	Index     int       `json:"index"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Progress is the persisted per-user position in the script.
type Progress struct {
	Started   bool `json:"started"`
	Cursor    int  `json:"cursor"`
	Finalized bool `json:"finalized"`
}

// Finished reports whether the conversation is over for a script of n questions.
func (p Progress) Finished(n int) bool {
	return p.Finalized || p.Cursor >= n
}

// Category is the router's classification of an inbound message.
type Category string

const (
	CategoryGreeting    Category = "greeting"
	CategoryFAQ         Category = "faq"
	CategoryInformation Category = "information"
	CategoryIgnore      Category = "ignore"
)

// ParseCategory maps a raw label to a Category. The second result is false for unknown labels.
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryGreeting:
		return CategoryGreeting, true
	case CategoryFAQ:
		return CategoryFAQ, true
	case CategoryInformation:
		return CategoryInformation, true
	case CategoryIgnore:
		return CategoryIgnore, true
	default:
		return "", false
	}
}

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	OutcomeInvalid OutcomeKind = iota
	OutcomeNeedsMoreDetails
	OutcomeValid
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeValid:
		return "valid"
	case OutcomeNeedsMoreDetails:
		return "needs_more_details"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one validation attempt. Build it with Valid, NeedsMoreDetails or
// Invalid; the zero value is an Invalid outcome with no reason.
type Outcome struct {
	Kind      OutcomeKind
	Extracted string // satisfying fragment (Valid) or what was learned so far (NeedsMoreDetails)
	Reason    string // why the answer is not complete (NeedsMoreDetails, Invalid)
}

func Valid(extracted string) Outcome {
	return Outcome{Kind: OutcomeValid, Extracted: extracted}
}

func NeedsMoreDetails(extracted, reason string) Outcome {
	return Outcome{Kind: OutcomeNeedsMoreDetails, Extracted: extracted, Reason: reason}
}

func Invalid(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalid, Reason: reason}
}

func (o Outcome) IsValid() bool {
	return o.Kind == OutcomeValid
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeValid:
		return fmt.Sprintf("Valid{%q}", o.Extracted)
	case OutcomeNeedsMoreDetails:
		return fmt.Sprintf("NeedsMoreDetails{%q, %q}", o.Extracted, o.Reason)
	default:
		return fmt.Sprintf("Invalid{%q}", o.Reason)
	}
}
