// Package oracle wraps the language models used to classify, validate and phrase turns.
//
// Every call is a single structured completion: instructions, the content to judge and a JSON
// schema for the answer. Failures are split into transient ones (timeouts, rate limits, server
// errors, malformed output), which Retrying retries, and ErrUnclassifiable, which callers treat
// as a failed validation.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnclassifiable is returned when the model refuses or produces an empty verdict.
var ErrUnclassifiable = errors.New("oracle could not classify the input")

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient oracle failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Request is one structured completion.
type Request struct {
	// Instructions is the system prompt. It is opaque configuration.
	Instructions string
	// Content is the user-side material to judge.
	Content string
	// SchemaName names the response schema for providers that require one.
	SchemaName string
	// Schema is the JSON schema the answer must satisfy.
	Schema map[string]any
}

// Client performs structured completions and returns the raw JSON text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleteJSON runs req and decodes the answer into out. Malformed output is reported as a
// TransientError; when c is a *Retrying the whole call-and-decode step is retried.
func CompleteJSON(ctx context.Context, c Client, req Request, out any) error {
	call := func(ctx context.Context, next Client) error {
		text, err := next.Complete(ctx, req)
		if err != nil {
			return err
		}
		return DecodeJSON(text, out)
	}
	if r, ok := c.(*Retrying); ok {
		return r.Do(ctx, func(ctx context.Context) error { return call(ctx, r.next) })
	}
	return call(ctx, c)
}

// DecodeJSON decodes a model answer, tolerating code fences and text around the object.
func DecodeJSON(text string, out any) error {
	body := strings.TrimSpace(text)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	if strings.TrimSpace(body) == "" {
		return Transient(errors.New("empty oracle output"))
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return Transient(fmt.Errorf("malformed oracle output: %w", err))
	}
	return nil
}

// ObjectSchema builds a strict object schema where every property is required.
func ObjectSchema(properties map[string]any) map[string]any {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	slices.Sort(required)
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

