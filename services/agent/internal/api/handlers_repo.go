package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"snapfleet/services/agent/internal/history"
)

func (a *API) handleInit(w http.ResponseWriter, r *http.Request) {
	if err := a.client.Init(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Repository initialized",
	})
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := a.client.Check(r.Context()); err != nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Repository integrity verified",
	})
}

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := a.client.Snapshots(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"count":     len(snapshots),
		"snapshots": snapshots,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.client.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	doc := map[string]any{
		"totalSize":      stats.TotalSize,
		"totalSizeHuman": fmt.Sprintf("%.2f GB", float64(stats.TotalSize)/(1<<30)),
		"totalFileCount": stats.TotalFileCount,
		"snapshotCount":  stats.SnapshotCount,
	}

	// Pushing to the conductor is a side effect of reading stats; its
	// failure never fails the read.
	if a.reporter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		if err := a.reporter.SendStats(ctx, a.config.MachineID, doc); err != nil {
			a.log.Warn().Err(err).Msg("stats push failed")
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   doc,
	})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("run history unavailable"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = parsed
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	runs, err := a.runs.ListRuns(ctx, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(runs),
		"runs":    runs,
	})
}

func (a *API) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("run history unavailable"))
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("run id must be a uuid"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.runs.GetRun(ctx, runID)
	if errors.Is(err, history.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	events, err := a.runs.ListEvents(ctx, runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"run":     run,
		"count":   len(events),
		"events":  events,
	})
}
