package recovery

import (
	"context"
)

// JobRecoverer requeues jobs that were running when the process stopped.
type JobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) error
}

// OutboxRecoverer requeues outgoing messages stuck in the sending state.
type OutboxRecoverer interface {
	RecoverStaleMessages(ctx context.Context) error
}

// Jobs wraps a job runner as a Recoverable.
func Jobs(r JobRecoverer) Recoverable {
	return Func{Name: "jobs", Fn: r.RecoverStaleJobs}
}

// Outbox wraps an outbox sender as a Recoverable.
func Outbox(s OutboxRecoverer) Recoverable {
	return Func{Name: "outbox", Fn: s.RecoverStaleMessages}
}

// Conversations names the conversation machine's finalization recovery.
func Conversations(r Recoverable) Recoverable {
	return Func{Name: "conversations", Fn: r.RecoverState}
}
