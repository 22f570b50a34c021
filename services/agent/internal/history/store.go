package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a run id has no row.
var ErrNotFound = errors.New("run not found")

// Store persists runs and their ordered progress events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over the given database handle.
func NewStore(database *gorm.DB) (*Store, error) {
	if database == nil {
		return nil, errors.New("database handle is required")
	}
	return &Store{db: database}, nil
}

// CreateRun records the start of a run in the running state.
func (s *Store) CreateRun(ctx context.Context, runID uuid.UUID, machineID string) error {
	run := Run{
		ID:        runID,
		MachineID: machineID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&run).Error
}

// AppendEvent appends one progress event to a run's history.
func (s *Store) AppendEvent(ctx context.Context, runID uuid.UUID, eventType, step string, data []byte) error {
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	ev := ProgressEvent{
		RunID: runID,
		Type:  eventType,
		Step:  step,
		Data:  datatypes.JSON(data),
	}
	return s.db.WithContext(ctx).Create(&ev).Error
}

// FinishRun finalizes a run. snapshotID and runErr may be empty; status
// must be completed or failed.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status, snapshotID, runErr string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      status,
		"finished_at": &now,
	}
	if snapshotID != "" {
		updates["snapshot_id"] = snapshotID
	}
	if runErr != "" {
		updates["error"] = runErr
	}
	return s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", runID).Updates(updates).Error
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	var run Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var runs []Run
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// ListEvents returns a run's events in emission order.
func (s *Store) ListEvents(ctx context.Context, runID uuid.UUID) ([]ProgressEvent, error) {
	var events []ProgressEvent
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
