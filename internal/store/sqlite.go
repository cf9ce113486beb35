package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serialises writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		processing INTEGER NOT NULL DEFAULT 0,
		messages_json TEXT NOT NULL,
		lesson_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves the state of a session.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	query := `
		SELECT session_id, model, processing, messages_json, lesson_json, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var state domain.SessionState
	var messagesJSON, lessonJSON string
	var updatedAt int64

	err := row.Scan(&state.SessionID, &state.Model, &state.Processing, &messagesJSON, &lessonJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &state.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(lessonJSON), &state.LessonState); err != nil {
		return nil, fmt.Errorf("decode lesson state for %s: %w", sessionID, err)
	}
	if state.Messages == nil {
		state.Messages = []domain.Message{}
	}
	if state.LessonState.Plan == nil {
		state.LessonState.Plan = []domain.LessonStep{}
	}
	state.UpdatedAt = time.UnixMilli(updatedAt)

	return &state, nil
}

// SaveSession creates or replaces the state of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, state *domain.SessionState) error {
	messagesJSON, err := json.Marshal(state.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	lessonJSON, err := json.Marshal(state.LessonState)
	if err != nil {
		return fmt.Errorf("encode lesson state: %w", err)
	}

	query := `
		INSERT INTO sessions (session_id, model, processing, messages_json, lesson_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			model = excluded.model,
			processing = excluded.processing,
			messages_json = excluded.messages_json,
			lesson_json = excluded.lesson_json,
			updated_at = excluded.updated_at`

	now := time.Now().UnixMilli()
	return s.write(ctx, "save session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			state.SessionID, state.Model, state.Processing,
			string(messagesJSON), string(lessonJSON), now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// CleanupExpiredSessions removes idle sessions that are not processing a turn.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := s.write(ctx, "cleanup sessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ? AND processing = 0`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// ClearStaleProcessing resets processing flags left by a crashed process.
func (s *SQLiteStore) ClearStaleProcessing(ctx context.Context) (int64, error) {
	var cleared int64
	err := s.write(ctx, "clear stale processing", func() error {
		result, err := s.db.ExecContext(ctx, `UPDATE sessions SET processing = 0 WHERE processing = 1`)
		if err != nil {
			return fmt.Errorf("clear stale processing: %w", err)
		}
		cleared, err = result.RowsAffected()
		return err
	})
	return cleared, err
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, op, fn)
}
