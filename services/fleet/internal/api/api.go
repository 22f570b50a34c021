package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"snapfleet/services/fleet/internal/aggregate"
	"snapfleet/services/fleet/internal/registry"
)

// Registry is the slice of the machine registry the HTTP layer uses.
type Registry interface {
	List(ctx context.Context) ([]registry.Machine, error)
	Get(ctx context.Context, name string) (registry.Machine, error)
	Upsert(ctx context.Context, machine registry.Machine) (registry.Machine, error)
	UpdateStats(ctx context.Context, name string, stats json.RawMessage) error
	Count(ctx context.Context) (int, error)
}

// Fleet is the aggregator surface the HTTP layer drives.
type Fleet interface {
	ListSnapshots(ctx context.Context, machineName string) (aggregate.SnapshotView, error)
	TriggerBackup(ctx context.Context, machineName string) (aggregate.TriggerReport, error)
}

// Config controls runtime behaviour for the fleet API handlers.
type Config struct {
	AllowedOrigins []string
	RateLimit      int
}

// API wires the machine registry and aggregator behind the fleet's HTTP
// surface.
type API struct {
	machines Registry
	fleet    Fleet
	config   Config
	log      zerolog.Logger
}

// New initialises the API layer with sane defaults applied to the provided
// configuration.
func New(machines Registry, fleet Fleet, cfg Config, log zerolog.Logger) (*API, error) {
	if machines == nil {
		return nil, errors.New("registry is required")
	}
	if fleet == nil {
		return nil, errors.New("aggregator is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}

	return &API{machines: machines, fleet: fleet, config: cfg, log: log}, nil
}

// Routes constructs the chi router containing all fleet endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshots", a.handleSnapshots)
		r.Post("/backup/run", a.handleTrigger)
		r.Post("/remote", a.handleRemoteIngest)
		r.Get("/remote", a.handleRemoteRead)
		r.Get("/stats", a.handleStats)
		r.Get("/machines", a.handleListMachines)
		r.Post("/machines", a.handleUpsertMachine)
	})

	return r, nil
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
