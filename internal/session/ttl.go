package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
)

// DefaultSweepInterval is how often idle sessions are looked for.
const DefaultSweepInterval = 5 * time.Minute

// CleanupCallback is called for every session the TTL worker evicts.
type CleanupCallback func(sessionID string)

// StartTTLWorker runs a background goroutine that evicts sessions that have
// not changed for ttl. It stops when ctx is cancelled; the returned channel
// is closed once it has.
func StartTTLWorker(ctx context.Context, m *Machine, ttl, interval time.Duration, onCleanup CleanupCallback) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
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
				m.SweepIdle(ctx, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// SweepIdle evicts sessions not updated within ttl and returns how many were
// removed.
func (m *Machine) SweepIdle(ctx context.Context, ttl time.Duration, onCleanup CleanupCallback) int {
	expired := m.store.IdleSince(m.now().Add(-ttl))
	if len(expired) == 0 {
		return 0
	}
	slog.Info("TTL worker found idle sessions", "count", len(expired))

	removed := 0
	for _, id := range expired {
		if err := m.remove(ctx, id, domain.EventSessionExpired); err != nil {
			// Deleted by a request since the scan.
			if !errors.Is(err, ErrNotFound) {
				slog.Error("TTL worker failed to remove session", "session_id", id, "error", err)
			}
			continue
		}
		removed++
		if onCleanup != nil {
			onCleanup(id)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", removed)
	return removed
}
