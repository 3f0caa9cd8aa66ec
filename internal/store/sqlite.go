package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samedit66/indusgpt/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a single-file durable store. All access goes through one connection,
// which keeps SQLite's writer lock uncontended.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements DurableStore.
var _ DurableStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (models.Progress, error) {
	var p models.Progress
	err := s.db.QueryRowContext(ctx,
		`SELECT question_cursor, finalized FROM conversation_progress WHERE user_id = ?`, userID,
	).Scan(&p.Cursor, &p.Finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Progress{}, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProgress failed", "error", err, "userID", userID)
		return p, fmt.Errorf("failed to get progress for %s: %w", userID, err)
	}
	p.Started = true
	return p, nil
}

func (s *SQLiteStore) Start(ctx context.Context, userID string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_progress (user_id, created_at, updated_at) VALUES (?, ?, ?)`,
		userID, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start conversation for %s: %w", userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start rows affected check failed: %w", err)
	}
	if n > 0 {
		slog.Debug("SQLiteStore Start created progress", "userID", userID)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Advance(ctx context.Context, userID string, expectedCursor int, pair models.QaPair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("advance begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE conversation_progress
		 SET question_cursor = question_cursor + 1, partial_context = '', updated_at = ?
		 WHERE user_id = ? AND question_cursor = ? AND finalized = 0`,
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
		`INSERT INTO qa_pairs (user_id, question_index, question_text, answer, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, expectedCursor, pair.Question, pair.Answer, createdAt,
	); err != nil {
		return fmt.Errorf("insert qa pair failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("advance commit failed: %w", err)
	}
	slog.Debug("SQLiteStore Advance succeeded", "userID", userID, "cursor", expectedCursor+1)
	return nil
}

func (s *SQLiteStore) GetPartialContext(ctx context.Context, userID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT partial_context FROM conversation_progress WHERE user_id = ?`, userID,
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get partial context for %s: %w", userID, err)
	}
	return text, nil
}

func (s *SQLiteStore) AppendPartialContext(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_progress (user_id, partial_context, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   partial_context = CASE WHEN conversation_progress.partial_context = '' THEN excluded.partial_context
		                          ELSE conversation_progress.partial_context || char(10) || excluded.partial_context END,
		   updated_at = excluded.updated_at`,
		userID, text, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to append partial context for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) ClearPartialContext(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_progress SET partial_context = '', updated_at = ? WHERE user_id = ?`,
		time.Now(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear partial context for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkFinalized(ctx context.Context, userID string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_progress (user_id, finalized, finalized_at, created_at, updated_at) VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET finalized = 1, finalized_at = excluded.finalized_at, updated_at = excluded.updated_at
		 WHERE conversation_progress.finalized = 0`,
		userID, now, now, now,
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

func (s *SQLiteStore) ListQaPairs(ctx context.Context, userID string) ([]models.QaPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_index, question_text, answer, created_at FROM qa_pairs WHERE user_id = ? ORDER BY question_index ASC`,
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

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT user_id FROM conversation_progress ORDER BY user_id ASC`)
}

func (s *SQLiteStore) SaveUserName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		userID, name, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save user name for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserName(ctx context.Context, userID string) (string, error) {
	return queryOptionalString(ctx, s.db, `SELECT name FROM users WHERE user_id = ?`, userID)
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	return queryOptionalString(ctx, s.db, `SELECT value FROM settings WHERE key = ?`, key)
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) AddGuidance(ctx context.Context, text string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO guidance (text, created_at) VALUES (?, ?)`, text, time.Now()); err != nil {
		return fmt.Errorf("failed to add guidance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListGuidance(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT text FROM guidance ORDER BY id ASC`)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// queryStrings runs a single-column query and collects the values.
func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return out, nil
}

// queryOptionalString returns "" when the query matches no row.
func queryOptionalString(ctx context.Context, db *sql.DB, query string, args ...any) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	return v, nil
}
