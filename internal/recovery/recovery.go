// Package recovery runs startup recovery so that a restart resumes where the process stopped:
// conversations that reached the end of the script get finalized, and jobs or outgoing
// messages left in flight get requeued.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that restores its state at startup.
type Recoverable interface {
	// RecoverState is called once during application startup, before any traffic is served.
	RecoverState(ctx context.Context) error
}

// Func adapts a named function to Recoverable.
type Func struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RecoverState calls f.Fn.
func (f Func) RecoverState(ctx context.Context) error {
	if f.Fn == nil {
		return fmt.Errorf("recovery %q has no function", f.Name)
	}
	return f.Fn(ctx)
}

func (f Func) String() string { return f.Name }

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered. Components recover in
// registration order.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// Len reports how many components are registered.
func (rm *RecoveryManager) Len() int {
	return len(rm.recoverables)
}

// RecoverAll performs recovery of all registered components. A failing component does not stop
// the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := recoverable.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", componentName(recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

func componentName(r Recoverable) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
