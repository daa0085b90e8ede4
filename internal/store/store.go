// Package store provides the session event journal.
package store

import (
	"context"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
)

// Journal is an append-only audit log of session events. It is never used to
// rebuild sessions.
type Journal interface {
	// RecordEvent appends an event.
	RecordEvent(ctx context.Context, ev domain.Event) error

	// ListEvents returns up to limit events for a session, oldest first.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)

	// PurgeBefore removes events older than the cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
