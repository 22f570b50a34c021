package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"snapfleet/services/agent/internal/notify"
	"snapfleet/services/agent/internal/restic"
)

type fakeClient struct {
	initErr    error
	backupErr  error
	forgetErr  error
	statsErr   error
	summary    restic.BackupSummary
	retention  restic.RetentionResult
	stats      restic.RepoStats
	statsCalls int
}

func (f *fakeClient) Init(context.Context) error { return f.initErr }

func (f *fakeClient) Backup(context.Context, []string) (restic.BackupSummary, error) {
	return f.summary, f.backupErr
}

func (f *fakeClient) Forget(context.Context) (restic.RetentionResult, error) {
	return f.retention, f.forgetErr
}

func (f *fakeClient) Stats(context.Context) (restic.RepoStats, error) {
	f.statsCalls++
	return f.stats, f.statsErr
}

type recordSink struct {
	events []Event
	err    error
}

func (r *recordSink) Write(ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

type fakeNotifier struct {
	started  []notify.StartInfo
	finished []notify.FinishResult
}

func (f *fakeNotifier) BackupStarted(_ context.Context, info notify.StartInfo) error {
	f.started = append(f.started, info)
	return nil
}

func (f *fakeNotifier) BackupFinished(_ context.Context, result notify.FinishResult) error {
	f.finished = append(f.finished, result)
	return nil
}

type fakeReporter struct {
	machineIDs []string
	payloads   []map[string]any
	err        error
}

func (f *fakeReporter) SendStats(_ context.Context, machineID string, data map[string]any) error {
	f.machineIDs = append(f.machineIDs, machineID)
	f.payloads = append(f.payloads, data)
	return f.err
}

func newTestEngine(t *testing.T, client BackupClient, notifier Notifier, reporter StatsReporter) *Engine {
	t.Helper()
	e, err := New(client, Options{
		MachineID:  "m-1",
		BackupPath: "/srv/data",
		Notifier:   notifier,
		Reporter:   reporter,
		Log:        zerolog.Nop(),
		Hostname:   func() string { return "web-1" },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.spawn = func(fn func()) { fn() }
	return e
}

func stepsOf(events []Event) []Step {
	steps := make([]Step, len(events))
	for i, ev := range events {
		steps[i] = ev.Step
	}
	return steps
}

func TestExecuteEmitsOrderedEvents(t *testing.T) {
	client := &fakeClient{
		summary:   restic.BackupSummary{SnapshotID: "abc123", DataAdded: 512},
		retention: restic.RetentionResult{Removed: 1, Kept: 4},
		stats:     restic.RepoStats{TotalSize: 4096, TotalFileCount: 10, SnapshotCount: 3},
	}
	sink := &recordSink{}
	runID := uuid.New()

	e := newTestEngine(t, client, nil, nil)
	pub := NewPublisher(zerolog.Nop(), sink)

	if err := e.Execute(context.Background(), runID, []string{"api"}, pub); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []Step{
		StepStarting, StepInit, StepInitComplete, StepPreparing,
		StepBackupRunning, StepBackupComplete,
		StepRetentionRunning, StepRetentionComplete,
		StepComplete,
	}
	got := stepsOf(sink.events)
	if len(got) != len(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for i := 1; i < len(sink.events); i++ {
		if sink.events[i].Timestamp.Before(sink.events[i-1].Timestamp) {
			t.Fatalf("event %d timestamp precedes event %d", i, i-1)
		}
	}

	terminal := sink.events[len(sink.events)-1]
	if terminal.Type != EventComplete || !terminal.Terminal() {
		t.Fatalf("terminal event type = %q", terminal.Type)
	}
	if terminal.Backup == nil || terminal.Backup.SnapshotID != "abc123" {
		t.Fatalf("terminal backup payload = %+v", terminal.Backup)
	}
	if terminal.Retention == nil || terminal.Retention.Kept != 4 {
		t.Fatalf("terminal retention payload = %+v", terminal.Retention)
	}
	if terminal.Success == nil || !*terminal.Success {
		t.Fatal("terminal success flag not set")
	}

	for _, ev := range sink.events {
		if ev.RunID != runID {
			t.Fatalf("event run id = %s, want %s", ev.RunID, runID)
		}
	}
}

func TestExecutePreparingCarriesHostAndTags(t *testing.T) {
	client := &fakeClient{}
	sink := &recordSink{}
	e := newTestEngine(t, client, nil, nil)

	if err := e.Execute(context.Background(), uuid.New(), []string{"api", "nightly"}, NewPublisher(zerolog.Nop(), sink)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var preparing *Event
	for i := range sink.events {
		if sink.events[i].Step == StepPreparing {
			preparing = &sink.events[i]
		}
	}
	if preparing == nil {
		t.Fatal("no preparing event emitted")
	}
	if preparing.Host != "web-1" {
		t.Fatalf("preparing host = %q", preparing.Host)
	}
	if len(preparing.Tags) != 2 {
		t.Fatalf("preparing tags = %v", preparing.Tags)
	}
}

func TestExecuteInitFailureStopsRun(t *testing.T) {
	client := &fakeClient{initErr: errors.New("Fatal: unable to open config file")}
	sink := &recordSink{}
	notifier := &fakeNotifier{}
	e := newTestEngine(t, client, notifier, nil)

	err := e.Execute(context.Background(), uuid.New(), nil, NewPublisher(zerolog.Nop(), sink))
	if err == nil {
		t.Fatal("Execute() error = nil, want init failure")
	}

	terminal := sink.events[len(sink.events)-1]
	if terminal.Type != EventError || terminal.Step != StepError {
		t.Fatalf("terminal event = %+v", terminal)
	}
	if terminal.Error == "" {
		t.Fatal("terminal error text is empty")
	}

	for _, ev := range sink.events {
		if ev.Step == StepBackupRunning || ev.Step == StepRetentionRunning {
			t.Fatalf("phase %q ran after init failure", ev.Step)
		}
	}
	if len(notifier.started) != 0 {
		t.Fatal("start notification sent before preparing phase was reached")
	}
}

func TestExecuteBackupFailureEmitsSingleTerminal(t *testing.T) {
	client := &fakeClient{backupErr: errors.New("Fatal: wrong password or no key found")}
	sink := &recordSink{}
	notifier := &fakeNotifier{}
	e := newTestEngine(t, client, notifier, nil)

	err := e.Execute(context.Background(), uuid.New(), nil, NewPublisher(zerolog.Nop(), sink))
	if err == nil {
		t.Fatal("Execute() error = nil, want backup failure")
	}

	terminals := 0
	for _, ev := range sink.events {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}

	terminal := sink.events[len(sink.events)-1]
	if terminal.Type != EventError {
		t.Fatalf("terminal type = %q, want error", terminal.Type)
	}
	if terminal.Success == nil || *terminal.Success {
		t.Fatal("terminal success flag should be false")
	}

	if len(notifier.finished) != 1 || notifier.finished[0].OK {
		t.Fatalf("finish notifications = %+v, want one failure", notifier.finished)
	}
}

func TestExecutePushesStatsAndNotifiesOnComplete(t *testing.T) {
	client := &fakeClient{
		summary: restic.BackupSummary{SnapshotID: "abc123", DataAdded: 2048, TotalFilesProcessed: 9},
		stats:   restic.RepoStats{TotalSize: 1 << 30, TotalFileCount: 100, SnapshotCount: 5},
	}
	notifier := &fakeNotifier{}
	reporter := &fakeReporter{}
	e := newTestEngine(t, client, notifier, reporter)

	if err := e.Execute(context.Background(), uuid.New(), []string{"api"}, NewPublisher(zerolog.Nop(), &recordSink{})); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(notifier.started) != 1 {
		t.Fatalf("start notifications = %d, want 1", len(notifier.started))
	}
	if len(notifier.finished) != 1 || !notifier.finished[0].OK {
		t.Fatalf("finish notifications = %+v, want one success", notifier.finished)
	}
	if notifier.finished[0].SnapshotID != "abc123" {
		t.Fatalf("finish snapshot = %q", notifier.finished[0].SnapshotID)
	}

	if len(reporter.payloads) != 1 || reporter.machineIDs[0] != "m-1" {
		t.Fatalf("stats pushes = %v", reporter.machineIDs)
	}
	payload := reporter.payloads[0]
	if payload["snapshotCount"] != 5 {
		t.Fatalf("snapshotCount = %v", payload["snapshotCount"])
	}
	if payload["totalSizeHuman"] != "1.00 GB" {
		t.Fatalf("totalSizeHuman = %v", payload["totalSizeHuman"])
	}
}

func TestExecuteStatsFailureDoesNotChangeOutcome(t *testing.T) {
	client := &fakeClient{statsErr: errors.New("repository locked")}
	reporter := &fakeReporter{}
	e := newTestEngine(t, client, nil, reporter)

	if err := e.Execute(context.Background(), uuid.New(), nil, NewPublisher(zerolog.Nop(), &recordSink{})); err != nil {
		t.Fatalf("Execute() error = %v, stats failure must stay best-effort", err)
	}
	if len(reporter.payloads) != 0 {
		t.Fatal("stats pushed despite stats read failure")
	}
}

func TestPublisherSinkFailureDoesNotStopOthers(t *testing.T) {
	broken := &recordSink{err: errors.New("disk full")}
	healthy := &recordSink{}
	pub := NewPublisher(zerolog.Nop(), broken, healthy)

	pub.Publish(Event{Type: EventProgress, Step: StepStarting})

	if len(broken.events) != 1 || len(healthy.events) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(broken.events), len(healthy.events))
	}
}
