package api

import (
	"errors"
	"net/http"

	"snapfleet/services/fleet/internal/registry"
)

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	machineName := r.URL.Query().Get("machineId")

	view, err := a.fleet.ListSnapshots(r.Context(), machineName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"count":     len(view.Snapshots),
		"snapshots": view.Snapshots,
		"warnings":  view.Warnings,
		"cached":    view.Cached,
	})
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	machineName := r.URL.Query().Get("machineId")

	report, err := a.fleet.TriggerBackup(r.Context(), machineName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":   report.Success,
		"triggered": report.Triggered,
		"total":     report.Total,
		"results":   report.Results,
	})
}
