// Package eventstore persists the lifecycle events of render jobs and derives
// a job history view from them.
package eventstore

import (
	"context"
	"time"
)

// Store defines the interface for persisting and retrieving events.
type Store interface {
	// Append adds a new event to the store.
	Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error

	// GetByJobID retrieves all events for a specific job, oldest first.
	GetByJobID(ctx context.Context, jobID string) ([]Event, error)

	// GetRange retrieves events within a time range.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Prune deletes the history of jobs last seen before the given time and
	// returns the number of events removed.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close closes the store and releases resources.
	Close() error
}
