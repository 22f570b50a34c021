package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"snapfleet/services/agent/internal/engine"
	"snapfleet/services/agent/internal/restic"
)

type fakeRecorder struct {
	appended  []ProgressEvent
	finished  []Run
	appendErr error
}

func (f *fakeRecorder) AppendEvent(_ context.Context, runID uuid.UUID, eventType, step string, data []byte) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, ProgressEvent{RunID: runID, Type: eventType, Step: step, Data: datatypes.JSON(data)})
	return nil
}

func (f *fakeRecorder) FinishRun(_ context.Context, runID uuid.UUID, status, snapshotID, runErr string) error {
	f.finished = append(f.finished, Run{ID: runID, Status: status, SnapshotID: snapshotID, Error: runErr})
	return nil
}

func TestSinkPersistsEventDocument(t *testing.T) {
	rec := &fakeRecorder{}
	sink := &Sink{ctx: context.Background(), store: rec}
	runID := uuid.New()

	ev := engine.Event{RunID: runID, Type: engine.EventProgress, Step: engine.StepBackupRunning, Message: "Running backup..."}
	if err := sink.Write(ev); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(rec.appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(rec.appended))
	}
	got := rec.appended[0]
	if got.RunID != runID || got.Type != "progress" || got.Step != "backup_running" {
		t.Fatalf("appended event = %+v", got)
	}

	var doc map[string]any
	if err := json.Unmarshal(got.Data, &doc); err != nil {
		t.Fatalf("persisted data is not valid JSON: %v", err)
	}
	if doc["message"] != "Running backup..." {
		t.Fatalf("persisted message = %v", doc["message"])
	}

	if len(rec.finished) != 0 {
		t.Fatal("non-terminal event finalized the run")
	}
}

func TestSinkFinalizesOnCompleteEvent(t *testing.T) {
	rec := &fakeRecorder{}
	sink := &Sink{ctx: context.Background(), store: rec}
	runID := uuid.New()

	ok := true
	ev := engine.Event{
		RunID:   runID,
		Type:    engine.EventComplete,
		Step:    engine.StepComplete,
		Backup:  &restic.BackupSummary{SnapshotID: "abc123"},
		Success: &ok,
	}
	if err := sink.Write(ev); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(rec.finished) != 1 {
		t.Fatalf("finished = %d, want 1", len(rec.finished))
	}
	run := rec.finished[0]
	if run.Status != StatusCompleted || run.SnapshotID != "abc123" || run.Error != "" {
		t.Fatalf("finalized run = %+v", run)
	}
}

func TestSinkFinalizesOnErrorEvent(t *testing.T) {
	rec := &fakeRecorder{}
	sink := &Sink{ctx: context.Background(), store: rec}
	runID := uuid.New()

	ev := engine.Event{
		RunID: runID,
		Type:  engine.EventError,
		Step:  engine.StepError,
		Error: "Fatal: wrong password or no key found",
	}
	if err := sink.Write(ev); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(rec.finished) != 1 {
		t.Fatalf("finished = %d, want 1", len(rec.finished))
	}
	run := rec.finished[0]
	if run.Status != StatusFailed || run.Error == "" {
		t.Fatalf("finalized run = %+v", run)
	}
}

func TestSinkPropagatesStoreFailure(t *testing.T) {
	rec := &fakeRecorder{appendErr: errors.New("connection refused")}
	sink := &Sink{ctx: context.Background(), store: rec}

	err := sink.Write(engine.Event{RunID: uuid.New(), Type: engine.EventProgress, Step: engine.StepStarting})
	if err == nil {
		t.Fatal("Write() error = nil, want store failure")
	}
}
