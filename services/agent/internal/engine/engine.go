package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"snapfleet/pkg/bus"
	"snapfleet/services/agent/internal/notify"
	"snapfleet/services/agent/internal/restic"
)

// BackupClient is the slice of the restic client the engine drives.
type BackupClient interface {
	Init(ctx context.Context) error
	Backup(ctx context.Context, tags []string) (restic.BackupSummary, error)
	Forget(ctx context.Context) (restic.RetentionResult, error)
	Stats(ctx context.Context) (restic.RepoStats, error)
}

// StatsReporter pushes a point-in-time stats document to the conductor.
type StatsReporter interface {
	SendStats(ctx context.Context, machineID string, data map[string]any) error
}

// Notifier delivers best-effort run notifications to a side channel.
type Notifier interface {
	BackupStarted(ctx context.Context, info notify.StartInfo) error
	BackupFinished(ctx context.Context, result notify.FinishResult) error
}

// Options configures an Engine. Notifier, Reporter, and Bus are optional;
// a missing collaborator simply skips its side effect.
type Options struct {
	MachineID  string
	BackupPath string
	Notifier   Notifier
	Reporter   StatsReporter
	Bus        *bus.Bus
	Log        zerolog.Logger
	Hostname   func() string
}

// Engine drives one backup run through its phases, emitting exactly one
// ProgressEvent per transition through the provided Publisher. A single run
// is strictly sequential; concurrency lives above the engine.
type Engine struct {
	client   BackupClient
	notifier Notifier
	reporter StatsReporter
	bus      *bus.Bus

	machineID  string
	backupPath string
	hostname   func() string
	log        zerolog.Logger

	// spawn runs post-terminal side effects; replaced in tests to run inline.
	spawn func(fn func())
}

// New creates an Engine bound to the provided backup client.
func New(client BackupClient, opts Options) (*Engine, error) {
	if client == nil {
		return nil, errors.New("backup client is required")
	}
	if opts.MachineID == "" {
		opts.MachineID = "default"
	}
	if opts.Hostname == nil {
		opts.Hostname = restic.Hostname
	}

	return &Engine{
		client:     client,
		notifier:   opts.Notifier,
		reporter:   opts.Reporter,
		bus:        opts.Bus,
		machineID:  opts.MachineID,
		backupPath: opts.BackupPath,
		hostname:   opts.Hostname,
		log:        opts.Log,
		spawn:      func(fn func()) { go fn() },
	}, nil
}

// Execute runs one backup end to end: init, backup, retention. Every phase
// transition is published before the next phase starts. On any failure the
// run jumps straight to the error state, emits one terminal error event,
// and stops; there is no partial retry. The returned error mirrors the
// terminal error event.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID, tags []string, pub *Publisher) error {
	if e == nil {
		return errors.New("nil engine")
	}
	if runID == uuid.Nil {
		return errors.New("run id is required")
	}

	startedAt := time.Now().UTC()

	e.emit(pub, Event{RunID: runID, Type: EventProgress, Step: StepStarting, Message: "Backup run initiated"})

	e.emit(pub, Event{RunID: runID, Type: EventProgress, Step: StepInit, Message: "Initializing repository..."})
	if err := e.client.Init(ctx); err != nil {
		return e.fail(ctx, runID, pub, startedAt, fmt.Errorf("init repository: %w", err))
	}
	e.emit(pub, Event{RunID: runID, Type: EventProgress, Step: StepInitComplete, Message: "Repository initialized"})

	host := e.hostname()
	e.emit(pub, Event{
		RunID:   runID,
		Type:    EventProgress,
		Step:    StepPreparing,
		Message: fmt.Sprintf("Preparing backup for %s...", host),
		Host:    host,
		Tags:    tags,
	})

	e.publishLifecycle(ctx, bus.RunStartedSubject, map[string]any{
		"run_id":     runID,
		"machine_id": e.machineID,
		"status":     "running",
		"started_at": startedAt,
	})
	if e.notifier != nil {
		if err := e.notifier.BackupStarted(ctx, notify.StartInfo{Path: e.backupPath, Tags: tags, Host: host}); err != nil {
			e.log.Warn().Err(err).Msg("start notification failed")
		}
	}

	e.emit(pub, Event{RunID: runID, Type: EventProgress, Step: StepBackupRunning, Message: "Running backup..."})
	summary, err := e.client.Backup(ctx, tags)
	if err != nil {
		return e.fail(ctx, runID, pub, startedAt, err)
	}
	e.emit(pub, Event{
		RunID:   runID,
		Type:    EventProgress,
		Step:    StepBackupComplete,
		Message: "Backup completed, running retention policies...",
		Backup:  &summary,
	})

	e.emit(pub, Event{RunID: runID, Type: EventProgress, Step: StepRetentionRunning, Message: "Applying retention policies..."})
	retention, err := e.client.Forget(ctx)
	if err != nil {
		return e.fail(ctx, runID, pub, startedAt, err)
	}
	e.emit(pub, Event{
		RunID:     runID,
		Type:      EventProgress,
		Step:      StepRetentionComplete,
		Message:   "Retention policies applied",
		Retention: &retention,
	})

	duration := time.Since(startedAt).Seconds()
	e.emit(pub, Event{
		RunID:       runID,
		Type:        EventComplete,
		Step:        StepComplete,
		Message:     "Backup completed successfully",
		Backup:      &summary,
		Retention:   &retention,
		Success:     boolPtr(true),
		DurationSec: duration,
	})

	// Terminal state is already observable; everything past this point is
	// best-effort and must not change the run's outcome.
	bg := context.WithoutCancel(ctx)
	e.spawn(func() { e.afterComplete(bg, runID, summary, duration) })

	return nil
}

func (e *Engine) afterComplete(ctx context.Context, runID uuid.UUID, summary restic.BackupSummary, durationSec float64) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	e.publishLifecycle(ctx, bus.RunFinishedSubject, map[string]any{
		"run_id":      runID,
		"machine_id":  e.machineID,
		"status":      "completed",
		"snapshot_id": summary.SnapshotID,
	})

	if e.notifier != nil {
		err := e.notifier.BackupFinished(ctx, notify.FinishResult{
			OK:                  true,
			SnapshotID:          summary.SnapshotID,
			DataAdded:           summary.DataAdded,
			TotalFilesProcessed: summary.TotalFilesProcessed,
			DurationSec:         durationSec,
		})
		if err != nil {
			e.log.Warn().Err(err).Msg("finish notification failed")
		}
	}

	if e.reporter != nil {
		if err := e.pushStats(ctx, summary, durationSec); err != nil {
			e.log.Warn().Err(err).Msg("stats push failed")
		}
	}
}

func (e *Engine) pushStats(ctx context.Context, summary restic.BackupSummary, durationSec float64) error {
	stats, err := e.client.Stats(ctx)
	if err != nil {
		return err
	}

	return e.reporter.SendStats(ctx, e.machineID, map[string]any{
		"totalSize":      stats.TotalSize,
		"totalSizeHuman": fmt.Sprintf("%.2f GB", float64(stats.TotalSize)/(1<<30)),
		"totalFileCount": stats.TotalFileCount,
		"snapshotCount":  stats.SnapshotCount,
		"lastBackup":     time.Now().UTC().Format(time.RFC3339),
		"backupResult": map[string]any{
			"snapshotId":      summary.SnapshotID,
			"filesNew":        summary.FilesNew,
			"filesChanged":    summary.FilesChanged,
			"filesUnmodified": summary.FilesUnmodified,
			"duration":        durationSec,
		},
	})
}

func (e *Engine) fail(ctx context.Context, runID uuid.UUID, pub *Publisher, startedAt time.Time, cause error) error {
	e.log.Error().Err(cause).Str("run_id", runID.String()).Msg("backup run failed")

	e.emit(pub, Event{
		RunID:       runID,
		Type:        EventError,
		Step:        StepError,
		Message:     "Backup run failed",
		Success:     boolPtr(false),
		DurationSec: time.Since(startedAt).Seconds(),
		Error:       cause.Error(),
	})

	bg := context.WithoutCancel(ctx)
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()

		e.publishLifecycle(ctx, bus.RunFinishedSubject, map[string]any{
			"run_id":     runID,
			"machine_id": e.machineID,
			"status":     "failed",
			"error":      cause.Error(),
		})
		if e.notifier != nil {
			err := e.notifier.BackupFinished(ctx, notify.FinishResult{OK: false, Error: cause.Error()})
			if err != nil {
				e.log.Warn().Err(err).Msg("finish notification failed")
			}
		}
	})

	return cause
}

func (e *Engine) emit(pub *Publisher, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	pub.Publish(ev)
}

func (e *Engine) publishLifecycle(ctx context.Context, subject string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, payload); err != nil {
		e.log.Warn().Err(err).Str("subject", subject).Msg("lifecycle publish failed")
	}
}
