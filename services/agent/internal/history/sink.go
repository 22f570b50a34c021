package history

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"snapfleet/services/agent/internal/engine"
)

type recorder interface {
	AppendEvent(ctx context.Context, runID uuid.UUID, eventType, step string, data []byte) error
	FinishRun(ctx context.Context, runID uuid.UUID, status, snapshotID, runErr string) error
}

// Sink persists each published event and finalizes the run row when the
// terminal event arrives. It carries its own context so persistence
// outlives a disconnected live stream.
type Sink struct {
	ctx   context.Context
	store recorder
}

// NewSink creates a history sink writing through the given store.
func NewSink(ctx context.Context, store *Store) (*Sink, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Sink{ctx: ctx, store: store}, nil
}

// Write implements engine.Sink.
func (s *Sink) Write(ev engine.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.store.AppendEvent(s.ctx, ev.RunID, ev.Type, string(ev.Step), data); err != nil {
		return err
	}

	if !ev.Terminal() {
		return nil
	}

	status := StatusCompleted
	snapshotID := ""
	if ev.Backup != nil {
		snapshotID = ev.Backup.SnapshotID
	}
	if ev.Type == engine.EventError {
		status = StatusFailed
	}
	return s.store.FinishRun(s.ctx, ev.RunID, status, snapshotID, ev.Error)
}
