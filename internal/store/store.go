// Package store provides storage backends for indusgpt.
//
// It includes an in-memory store for tests and single-process runs, plus SQLite and
// PostgreSQL stores that add durable jobs and an outbox for restart-safe sends.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/samedit66/indusgpt/internal/models"
)

// ErrCursorMismatch is returned by Advance when the stored cursor no longer matches the
// cursor the caller validated against, or the conversation was already finalized.
var ErrCursorMismatch = errors.New("conversation cursor mismatch")

// ConversationStore persists per-user question progress, partial answers and QaPairs.
// Every method touches a single user's rows only.
type ConversationStore interface {
	// GetProgress returns the user's progress. A user with no record gets the zero Progress.
	GetProgress(ctx context.Context, userID string) (models.Progress, error)

	// Start creates the progress record if missing. It returns true if the record was created.
	Start(ctx context.Context, userID string) (bool, error)

	// Advance appends pair at index expectedCursor, moves the cursor to expectedCursor+1 and
	// clears the partial context, all in one unit. It fails with ErrCursorMismatch without
	// changing anything when the cursor moved or the conversation is finalized.
	Advance(ctx context.Context, userID string, expectedCursor int, pair models.QaPair) error

	// GetPartialContext returns the accumulated notes for the current question, or "".
	GetPartialContext(ctx context.Context, userID string) (string, error)

	// AppendPartialContext adds a note to the current question's context.
	AppendPartialContext(ctx context.Context, userID, text string) error

	// ClearPartialContext drops the current question's context.
	ClearPartialContext(ctx context.Context, userID string) error

	// MarkFinalized atomically sets the finalized flag. It returns false if the flag was
	// already set. A user with no progress record is created already finalized.
	MarkFinalized(ctx context.Context, userID string) (bool, error)

	// ListQaPairs returns the user's answers ordered by question index.
	ListQaPairs(ctx context.Context, userID string) ([]models.QaPair, error)

	// ListUsers returns every user with a progress record, ordered by ID.
	ListUsers(ctx context.Context) ([]string, error)
}

// ProfileRepo keeps display names used in operator relays and reports.
type ProfileRepo interface {
	SaveUserName(ctx context.Context, userID, name string) error
	GetUserName(ctx context.Context, userID string) (string, error)
}

// SettingsRepo keeps process-wide operator settings and learned guidance.
type SettingsRepo interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	// AddGuidance appends an operator instruction passed to the oracle on later turns.
	AddGuidance(ctx context.Context, text string) error
	// ListGuidance returns operator instructions in the order they were added.
	ListGuidance(ctx context.Context) ([]string, error)
}

// Store is the full set of capabilities every backend provides.
type Store interface {
	ConversationStore
	ProfileRepo
	SettingsRepo
	DedupRepo
	Close() error
}

// DurableStore is a Store that also persists jobs and outgoing messages.
type DurableStore interface {
	Store
	JobRepo
	OutboxRepo
}

// Setting keys.
const (
	SettingOperatorChat = "operator_chat"
)

// Opts holds configuration for the SQL backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the SQL backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens a durable store for dsn, choosing the backend from the DSN type.
func Open(dsn string) (DurableStore, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// joinContext appends a note to existing partial context.
func joinContext(existing, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
