package registry

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"snapfleet/pkg/bus"
)

const runsDurable = "fleet-runs"

// Ingestor mirrors agent run lifecycle events from NATS into the fleet
// database so fleet-wide run history survives agent restarts.
type Ingestor struct {
	store *Store
	bus   *bus.Bus
	log   zerolog.Logger

	subMu sync.Mutex
	sub   io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(store *Store, eventBus *bus.Bus, log zerolog.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if eventBus == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingestor{store: store, bus: eventBus, log: log}, nil
}

// Start subscribes to run lifecycle events and processes them until ctx is
// cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}

	handler := func(msgCtx context.Context, data []byte) error {
		ev, err := bus.DecodeRunEvent(data)
		if err != nil {
			// Malformed events are dropped, not redelivered forever.
			i.log.Warn().Err(err).Msg("dropping malformed run event")
			return nil
		}
		if err := i.store.RecordRunEvent(msgCtx, ev); err != nil {
			i.log.Error().Err(err).Str("run_id", ev.RunID.String()).Msg("record run event")
			return err
		}
		return nil
	}

	sub, err := i.bus.Subscribe(ctx, bus.RunsSubjectPrefix+".>", runsDurable, handler)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}
