package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/samedit66/indusgpt/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the durable store for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements DurableStore.
var _ DurableStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetProgress(ctx context.Context, userID string) (models.Progress, error) {
	var p models.Progress
	err := s.db.QueryRowContext(ctx,
		`SELECT question_cursor, finalized FROM conversation_progress WHERE user_id = $1`, userID,
	).Scan(&p.Cursor, &p.Finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Progress{}, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProgress failed", "error", err, "userID", userID)
		return p, fmt.Errorf("failed to get progress for %s: %w", userID, err)
	}
	p.Started = true
	return p, nil
}

func (s *PostgresStore) Start(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_progress (user_id, created_at, updated_at) VALUES ($1, $2, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to start conversation for %s: %w", userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) Advance(ctx context.Context, userID string, expectedCursor int, pair models.QaPair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("advance begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE conversation_progress
		 SET question_cursor = question_cursor + 1, partial_context = '', updated_at = $1
		 WHERE user_id = $2 AND question_cursor = $3 AND NOT finalized`,
		now, userID, expectedCursor,
	)
	if err != nil {
		return fmt.Errorf("advance cursor failed: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("advance rows affected check failed: %w", err)
	} else if n == 0 {
		return ErrCursorMismatch
	}

	createdAt := pair.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO qa_pairs (user_id, question_index, question_text, answer, created_at) VALUES ($1, $2, $3, $4, $5)`,
		userID, expectedCursor, pair.Question, pair.Answer, createdAt,
	); err != nil {
		return fmt.Errorf("insert qa pair failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("advance commit failed: %w", err)
	}
	slog.Debug("PostgresStore Advance succeeded", "userID", userID, "cursor", expectedCursor+1)
	return nil
}

func (s *PostgresStore) GetPartialContext(ctx context.Context, userID string) (string, error) {
	return queryOptionalString(ctx, s.db, `SELECT partial_context FROM conversation_progress WHERE user_id = $1`, userID)
}

func (s *PostgresStore) AppendPartialContext(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_progress (user_id, partial_context, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   partial_context = CASE WHEN conversation_progress.partial_context = '' THEN EXCLUDED.partial_context
		                          ELSE conversation_progress.partial_context || chr(10) || EXCLUDED.partial_context END,
		   updated_at = EXCLUDED.updated_at`,
		userID, text, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to append partial context for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) ClearPartialContext(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_progress SET partial_context = '', updated_at = $1 WHERE user_id = $2`,
		time.Now(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear partial context for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) MarkFinalized(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_progress (user_id, finalized, finalized_at, created_at, updated_at) VALUES ($1, TRUE, $2, $2, $2)
		 ON CONFLICT (user_id) DO UPDATE SET finalized = TRUE, finalized_at = EXCLUDED.finalized_at, updated_at = EXCLUDED.updated_at
		 WHERE NOT conversation_progress.finalized`,
		userID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s finalized: %w", userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListQaPairs(ctx context.Context, userID string) ([]models.QaPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_index, question_text, answer, created_at FROM qa_pairs WHERE user_id = $1 ORDER BY question_index ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query qa pairs for %s: %w", userID, err)
	}
	defer rows.Close()

	var pairs []models.QaPair
	for rows.Next() {
		var p models.QaPair
		if err := rows.Scan(&p.Index, &p.Question, &p.Answer, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan qa pair row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate qa pair rows: %w", err)
	}
	return pairs, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT user_id FROM conversation_progress ORDER BY user_id ASC`)
}

func (s *PostgresStore) SaveUserName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		userID, name, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save user name for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GetUserName(ctx context.Context, userID string) (string, error) {
	return queryOptionalString(ctx, s.db, `SELECT name FROM users WHERE user_id = $1`, userID)
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	return queryOptionalString(ctx, s.db, `SELECT value FROM settings WHERE key = $1`, key)
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) AddGuidance(ctx context.Context, text string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO guidance (text, created_at) VALUES ($1, $2)`, text, time.Now()); err != nil {
		return fmt.Errorf("failed to add guidance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGuidance(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT text FROM guidance ORDER BY id ASC`)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
