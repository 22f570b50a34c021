package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"snapfleet/services/fleet/internal/registry"
)

func (a *API) handleListMachines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machines, err := a.machines.List(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(machines),
		"machines": machines,
	})
}

func (a *API) handleUpsertMachine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Region string `json:"region"`
		URL    string `json:"url"`
		Token  string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, err := a.machines.Upsert(ctx, registry.Machine{
		Name:   req.Name,
		Region: req.Region,
		URL:    strings.TrimRight(req.URL, "/"),
		Token:  req.Token,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"machine": machine})
}

func (a *API) handleRemoteIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID string          `json:"machineId"`
		Data      json.RawMessage `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.MachineID == "" {
		respondError(w, http.StatusBadRequest, errors.New("machineId is required"))
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("data is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.machines.UpdateStats(ctx, req.MachineID, req.Data); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleRemoteRead(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("machineId")
	if name == "" {
		respondError(w, http.StatusBadRequest, errors.New("machineId query parameter is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, err := a.machines.Get(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	stats := machine.Stats
	if len(stats) == 0 {
		stats = json.RawMessage(`{}`)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"machineId": machine.Name,
		"updatedAt": machine.UpdatedAt,
		"data":      stats,
	})
}
