package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"snapfleet/pkg/execrun"
	"snapfleet/services/agent/internal/engine"
	"snapfleet/services/agent/internal/history"
	"snapfleet/services/agent/internal/restic"
)

// RepoClient is the slice of the restic client the HTTP layer uses directly.
// Backup runs go through the engine instead.
type RepoClient interface {
	Init(ctx context.Context) error
	Check(ctx context.Context) error
	Snapshots(ctx context.Context) ([]restic.Snapshot, error)
	Stats(ctx context.Context) (restic.RepoStats, error)
	ListFiles(ctx context.Context, snapshotID, path string) ([]json.RawMessage, error)
	Dump(ctx context.Context, snapshotID, path string) (*execrun.Process, error)
}

// RunHistory is the slice of the history store the HTTP layer reads and the
// run handler writes run rows through.
type RunHistory interface {
	CreateRun(ctx context.Context, runID uuid.UUID, machineID string) error
	GetRun(ctx context.Context, runID uuid.UUID) (history.Run, error)
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	ListEvents(ctx context.Context, runID uuid.UUID) ([]history.ProgressEvent, error)
}

// StatsReporter mirrors engine.StatsReporter for the stats endpoint's push.
type StatsReporter interface {
	SendStats(ctx context.Context, machineID string, data map[string]any) error
}

// Config controls runtime behaviour for the agent API handlers.
type Config struct {
	MachineID   string
	BearerToken string
}

// API wires the backup engine, repository client, and run history behind the
// agent's HTTP surface.
type API struct {
	client      RepoClient
	engine      *engine.Engine
	runs        RunHistory
	historySink engine.Sink
	reporter    StatsReporter
	config      Config
	log         zerolog.Logger
}

// New initialises the API layer.
func New(client RepoClient, eng *engine.Engine, runs RunHistory, historySink engine.Sink, reporter StatsReporter, cfg Config, log zerolog.Logger) (*API, error) {
	if client == nil {
		return nil, errors.New("repo client is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.BearerToken == "" {
		return nil, errors.New("bearer token is required")
	}
	if cfg.MachineID == "" {
		cfg.MachineID = "default"
	}

	return &API{
		client:      client,
		engine:      eng,
		runs:        runs,
		historySink: historySink,
		reporter:    reporter,
		config:      cfg,
		log:         log,
	}, nil
}

// Routes constructs the chi router containing all agent endpoints. The
// health probe is unauthenticated; everything under /api requires the
// bearer token.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)

	r.Route("/api/v1/backup", func(r chi.Router) {
		r.Use(a.requireBearer)

		r.Post("/run", a.handleRunStream)
		r.Post("/init", a.handleInit)
		r.Post("/check", a.handleCheck)
		r.Get("/snapshots", a.handleSnapshots)
		r.Get("/stats", a.handleStats)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{runID}/events", a.handleRunEvents)
		r.Get("/files/{snapshotID}", a.handleListFiles)
		r.Get("/files/{snapshotID}/download", a.handleDownload)
	})

	return r, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"machineId": a.config.MachineID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
