package history

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one backup run. Exactly one row exists per run id; the row is
// created when the run starts and finalized once, when the terminal event
// arrives.
type Run struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MachineID  string     `gorm:"type:text;not null;index" json:"machineId"`
	Status     string     `gorm:"type:text;not null;default:'running'" json:"status"`
	SnapshotID string     `gorm:"type:text" json:"snapshotId,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time  `gorm:"autoCreateTime" json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Events []ProgressEvent `gorm:"constraint:OnDelete:CASCADE;foreignKey:RunID;references:ID" json:"-"`
}

// TableName keeps the historical table name stable across model renames.
func (Run) TableName() string { return "backup_runs" }

// ProgressEvent is one persisted step of a run, in emission order. Data
// holds the full event document as emitted on the live stream.
type ProgressEvent struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"runId"`
	Type      string         `gorm:"type:text;not null" json:"type"`
	Step      string         `gorm:"type:text;not null" json:"step"`
	Data      datatypes.JSON `gorm:"type:jsonb;default:'{}'::jsonb" json:"data"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

func (ProgressEvent) TableName() string { return "backup_progress" }
