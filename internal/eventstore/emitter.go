package eventstore

import (
	"context"
	"fmt"
)

// Emitter persists events and keeps a projection current.
// A nil store makes every emit a no-op.
type Emitter struct {
	store      Store
	projection *JobHistoryProjection
}

// NewEmitter creates an Emitter with the given store and projection.
func NewEmitter(store Store, projection *JobHistoryProjection) *Emitter {
	return &Emitter{store: store, projection: projection}
}

// Emit persists an event to the store and updates the projection.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil || e.store == nil {
		return nil
	}
	if err := e.store.Append(ctx, event.JobID(), event.Type(), event.Payload(), event.Metadata()); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	if e.projection != nil {
		e.projection.Apply(event)
	}
	return nil
}
