package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"snapfleet/pkg/bus"
	"snapfleet/pkg/db"
)

// ErrNotFound is returned when a machine lookup matches nothing.
var ErrNotFound = errors.New("machine not found")

// Machine is one registered backup agent. Token is the bearer credential
// the fleet uses towards the agent and never leaves the service.
type Machine struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Region    string          `db:"region" json:"region,omitempty"`
	URL       string          `db:"url" json:"url"`
	Token     string          `db:"token" json:"-"`
	Stats     json.RawMessage `db:"stats" json:"stats,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// Store persists the machine registry and mirrored run outcomes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the given pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

// List returns all machines ordered by name.
func (s *Store) List(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	err := db.Select(ctx, s.pool, &machines, `
SELECT id, name, region, url, token, stats, created_at, updated_at
FROM machines
ORDER BY name
`)
	return machines, err
}

// Get returns one machine by name.
func (s *Store) Get(ctx context.Context, name string) (Machine, error) {
	var machine Machine
	err := db.Get(ctx, s.pool, &machine, `
SELECT id, name, region, url, token, stats, created_at, updated_at
FROM machines
WHERE name = $1
`, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Machine{}, ErrNotFound
	}
	return machine, err
}

// Upsert registers a machine or updates its connection details, keyed by
// name. The returned machine carries the persisted id.
func (s *Store) Upsert(ctx context.Context, machine Machine) (Machine, error) {
	if machine.Name == "" {
		return Machine{}, errors.New("machine name is required")
	}
	if machine.URL == "" {
		return Machine{}, errors.New("machine url is required")
	}
	if machine.ID == uuid.Nil {
		machine.ID = uuid.New()
	}

	var out Machine
	err := db.Get(ctx, s.pool, &out, `
INSERT INTO machines (id, name, region, url, token)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name) DO UPDATE
SET region = EXCLUDED.region,
    url = EXCLUDED.url,
    token = EXCLUDED.token,
    updated_at = now()
RETURNING id, name, region, url, token, stats, created_at, updated_at
`, machine.ID, machine.Name, machine.Region, machine.URL, machine.Token)
	return out, err
}

// UpdateStats stores the stats document an agent pushed, keyed by machine
// name. Pushes for unknown machines are dropped with ErrNotFound so a
// misconfigured agent cannot create registry rows.
func (s *Store) UpdateStats(ctx context.Context, name string, stats json.RawMessage) error {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE machines
SET stats = $2::jsonb, updated_at = now()
WHERE name = $1
`, name, []byte(stats))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of registered machines.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := db.Get(ctx, s.pool, &count, `SELECT count(*) FROM machines`)
	return count, err
}

// RecordRunEvent mirrors an agent run lifecycle event into fleet_runs. The
// machine reference stays null when the name is unknown; the run row is
// still kept for fleet-wide history.
func (s *Store) RecordRunEvent(ctx context.Context, ev bus.RunEvent) error {
	if ev.RunID == uuid.Nil {
		return errors.New("run id missing from event")
	}

	var machineID *uuid.UUID
	if machine, err := s.Get(ctx, ev.MachineID); err == nil {
		machineID = &machine.ID
	}

	now := time.Now().UTC()
	startedAt := ev.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}

	switch ev.Status {
	case "running":
		_, err := db.Exec(ctx, s.pool, `
INSERT INTO fleet_runs (id, machine_id, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING
`, ev.RunID, machineID, ev.Status, startedAt)
		return err
	case "completed", "failed":
		_, err := db.Exec(ctx, s.pool, `
INSERT INTO fleet_runs (id, machine_id, status, snapshot_id, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    snapshot_id = EXCLUDED.snapshot_id,
    error = EXCLUDED.error,
    finished_at = EXCLUDED.finished_at
`, ev.RunID, machineID, ev.Status, ev.SnapshotID, ev.Error, startedAt, now)
		return err
	default:
		return errors.New("unknown run status: " + ev.Status)
	}
}
