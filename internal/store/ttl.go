package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTTLInterval is how often the TTL worker sweeps for idle sessions.
const DefaultTTLInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically deletes
// sessions idle for longer than ttl. It stops when ctx is done; the returned
// channel is closed once the goroutine has exited.
func StartTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultTTLInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				SweepExpiredSessions(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// SweepExpiredSessions deletes expired sessions once and returns how many
// were removed.
func SweepExpiredSessions(ctx context.Context, repo Repository, ttl time.Duration) int64 {
	deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during cleanup", "error", err)
			return 0
		}
		slog.Error("TTL worker failed to cleanup expired sessions", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("TTL worker cleaned up expired sessions", "count", deleted)
	}
	return deleted
}
