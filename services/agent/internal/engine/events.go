package engine

import (
	"time"

	"github.com/google/uuid"

	"snapfleet/services/agent/internal/restic"
)

// Step identifies one phase of a backup run. Steps advance strictly in the
// order listed; StepError is reachable from any point.
type Step string

const (
	StepStarting          Step = "starting"
	StepInit              Step = "init"
	StepInitComplete      Step = "init_complete"
	StepPreparing         Step = "preparing"
	StepBackupRunning     Step = "backup_running"
	StepBackupComplete    Step = "backup_complete"
	StepRetentionRunning  Step = "retention_running"
	StepRetentionComplete Step = "retention_complete"
	StepComplete          Step = "complete"
	StepError             Step = "error"
)

// Event types as they appear on the wire.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one phase-transition notification emitted during a run. Exactly
// one event is emitted per transition, and each run ends with exactly one
// terminal event (complete or error).
type Event struct {
	RunID     uuid.UUID `json:"runId"`
	Type      string    `json:"type"`
	Step      Step      `json:"step"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Host string   `json:"host,omitempty"`
	Tags []string `json:"tags,omitempty"`

	Backup    *restic.BackupSummary   `json:"backup,omitempty"`
	Retention *restic.RetentionResult `json:"retention,omitempty"`

	Success     *bool   `json:"success,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Terminal reports whether ev closes its run.
func (ev Event) Terminal() bool {
	return ev.Type == EventComplete || ev.Type == EventError
}

func boolPtr(v bool) *bool { return &v }
