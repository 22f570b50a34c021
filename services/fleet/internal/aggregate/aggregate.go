package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"snapfleet/services/fleet/internal/registry"
)

const (
	cacheTTL       = 30 * time.Second
	requestTimeout = 30 * time.Second
	cacheKeyAll    = "all"
)

// MachineLister is the slice of the registry the aggregator reads.
type MachineLister interface {
	List(ctx context.Context) ([]registry.Machine, error)
	Get(ctx context.Context, name string) (registry.Machine, error)
}

// Snapshot is one remote snapshot annotated with its machine.
type Snapshot struct {
	Machine string          `json:"machine"`
	ID      string          `json:"id"`
	ShortID string          `json:"short_id"`
	Time    time.Time       `json:"time"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// SnapshotView is a merged fleet-wide snapshot listing. Warnings carry one
// entry per machine that could not be queried; the listing itself holds
// everything the reachable machines returned.
type SnapshotView struct {
	Snapshots []Snapshot `json:"snapshots"`
	Warnings  []string   `json:"warnings,omitempty"`
	Cached    bool       `json:"cached"`
}

// TriggerResult is one machine's outcome of a fleet-wide backup trigger.
type TriggerResult struct {
	Machine string `json:"machine"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TriggerReport summarises a backup trigger across machines. Success means
// no machine failed; an empty fleet succeeds trivially.
type TriggerReport struct {
	Success   bool            `json:"success"`
	Triggered int             `json:"triggered"`
	Total     int             `json:"total"`
	Results   []TriggerResult `json:"results"`
}

// Aggregator fans snapshot listings and backup triggers out across the
// fleet. Machine failures are isolated per machine; a partial fleet still
// answers.
type Aggregator struct {
	machines MachineLister
	client   *http.Client
	cache    *gocache.Cache
	ttl      time.Duration
	log      zerolog.Logger
}

// New creates an Aggregator over the given registry.
func New(machines MachineLister, log zerolog.Logger) (*Aggregator, error) {
	if machines == nil {
		return nil, errors.New("machine lister is required")
	}
	return &Aggregator{
		machines: machines,
		client:   &http.Client{Timeout: requestTimeout},
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
		ttl:      cacheTTL,
		log:      log,
	}, nil
}

// ListSnapshots returns the merged snapshot listing for one machine, or for
// the whole fleet when machineName is empty. A fresh cache entry for the
// same scope short-circuits the fan-out.
func (a *Aggregator) ListSnapshots(ctx context.Context, machineName string) (SnapshotView, error) {
	key := cacheKeyAll
	if machineName != "" {
		key = machineName
	}
	if cached, ok := a.cache.Get(key); ok {
		view := cached.(SnapshotView)
		view.Cached = true
		snapshotCacheHits.Inc()
		return view, nil
	}

	machines, err := a.scope(ctx, machineName)
	if err != nil {
		return SnapshotView{}, err
	}

	type answer struct {
		machine   string
		snapshots []Snapshot
		err       error
	}

	answers := make([]answer, len(machines))
	var wg sync.WaitGroup
	for idx, machine := range machines {
		wg.Add(1)
		go func(idx int, machine registry.Machine) {
			defer wg.Done()
			snapshots, err := a.fetchSnapshots(ctx, machine)
			answers[idx] = answer{machine: machine.Name, snapshots: snapshots, err: err}
		}(idx, machine)
	}
	wg.Wait()
	snapshotFanouts.Inc()

	view := SnapshotView{Snapshots: []Snapshot{}}
	for _, ans := range answers {
		if ans.err != nil {
			a.log.Warn().Err(ans.err).Str("machine", ans.machine).Msg("snapshot listing failed")
			view.Warnings = append(view.Warnings, fmt.Sprintf("%s: %v", ans.machine, ans.err))
			continue
		}
		view.Snapshots = append(view.Snapshots, ans.snapshots...)
	}

	sort.Slice(view.Snapshots, func(i, j int) bool {
		return view.Snapshots[i].Time.After(view.Snapshots[j].Time)
	})

	a.cache.Set(key, view, a.ttl)
	return view, nil
}

// TriggerBackup starts a backup on one machine, or on every machine when
// machineName is empty. All triggers run concurrently and every outcome is
// waited for; one machine's refusal never cancels the others.
func (a *Aggregator) TriggerBackup(ctx context.Context, machineName string) (TriggerReport, error) {
	machines, err := a.scope(ctx, machineName)
	if err != nil {
		return TriggerReport{}, err
	}

	results := make([]TriggerResult, len(machines))
	var wg sync.WaitGroup
	for idx, machine := range machines {
		wg.Add(1)
		go func(idx int, machine registry.Machine) {
			defer wg.Done()
			results[idx] = TriggerResult{Machine: machine.Name, Success: true}
			if err := a.triggerOne(ctx, machine); err != nil {
				a.log.Warn().Err(err).Str("machine", machine.Name).Msg("backup trigger failed")
				results[idx] = TriggerResult{Machine: machine.Name, Error: err.Error()}
			}
		}(idx, machine)
	}
	wg.Wait()
	triggerFanouts.Inc()

	report := TriggerReport{Total: len(machines), Results: results}
	for _, res := range results {
		if res.Success {
			report.Triggered++
		}
	}
	report.Success = report.Triggered == report.Total
	return report, nil
}

func (a *Aggregator) scope(ctx context.Context, machineName string) ([]registry.Machine, error) {
	if machineName == "" {
		return a.machines.List(ctx)
	}
	machine, err := a.machines.Get(ctx, machineName)
	if err != nil {
		return nil, err
	}
	return []registry.Machine{machine}, nil
}

func (a *Aggregator) fetchSnapshots(ctx context.Context, machine registry.Machine) ([]Snapshot, error) {
	var body struct {
		Success   bool `json:"success"`
		Snapshots []struct {
			ID      string    `json:"id"`
			ShortID string    `json:"short_id"`
			Time    time.Time `json:"time"`
		} `json:"snapshots"`
	}
	raw, err := a.agentGet(ctx, machine, "/api/v1/backup/snapshots", &body)
	if err != nil {
		return nil, err
	}

	var rawBody struct {
		Snapshots []json.RawMessage `json:"snapshots"`
	}
	_ = json.Unmarshal(raw, &rawBody)

	snapshots := make([]Snapshot, len(body.Snapshots))
	for i, snap := range body.Snapshots {
		snapshots[i] = Snapshot{
			Machine: machine.Name,
			ID:      snap.ID,
			ShortID: snap.ShortID,
			Time:    snap.Time,
		}
		if i < len(rawBody.Snapshots) {
			snapshots[i].Raw = rawBody.Snapshots[i]
		}
	}
	return snapshots, nil
}

func (a *Aggregator) triggerOne(ctx context.Context, machine registry.Machine) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(machine.URL, "/")+"/api/v1/backup/run", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+machine.Token)
	req.Header.Set("X-Machine-Id", machine.Name)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	// The agent streams run progress; accepting the stream is the trigger.
	// The run continues on the agent after the stream is dropped here.
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Aggregator) agentGet(ctx context.Context, machine registry.Machine, path string, dest any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(machine.URL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+machine.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return nil, fmt.Errorf("parse agent response: %w", err)
	}
	return raw, nil
}
