// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// Repository defines the interface for persisting session state.
//
// Every write replaces the whole state of a session; partial updates are
// never applied.
type Repository interface {
	// GetSession retrieves the state of a session. It returns nil, nil when
	// the session has never been saved.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionState, error)

	// SaveSession creates or replaces the state of a session.
	SaveSession(ctx context.Context, state *domain.SessionState) error

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// ClearStaleProcessing resets processing flags left behind by a previous
	// process. It must only be called before the server accepts turns.
	ClearStaleProcessing(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
