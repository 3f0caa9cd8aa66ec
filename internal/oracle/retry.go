package oracle

import (
	"context"
	"log/slog"
	"time"
)

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Retrying retries transient failures of the wrapped client with exponential backoff.
// Other errors, including ErrUnclassifiable and context cancellation, are returned at once.
type Retrying struct {
	next Client
	max  int
	base time.Duration
}

// NewRetrying wraps next. Non-positive arguments fall back to the defaults.
func NewRetrying(next Client, maxAttempts int, baseDelay time.Duration) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Retrying{next: next, max: maxAttempts, base: baseDelay}
}

// Complete implements Client.
func (r *Retrying) Complete(ctx context.Context, req Request) (string, error) {
	var out string
	err := r.Do(ctx, func(ctx context.Context) error {
		text, err := r.next.Complete(ctx, req)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

// Do runs fn until it succeeds, fails with a non-transient error or the attempts run out.
// The last transient error is returned unchanged so callers can still detect it.
func (r *Retrying) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	for i := 0; i < r.max; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		last = err
		if i == r.max-1 {
			break
		}
		delay := r.base * time.Duration(1<<i)
		slog.Warn("Retrying.Do: transient oracle failure", "attempt", i+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	slog.Error("Retrying.Do: attempts exhausted", "attempts", r.max, "error", last)
	return last
}
