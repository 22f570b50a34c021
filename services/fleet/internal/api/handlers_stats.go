package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"snapfleet/services/fleet/internal/registry"
)

// machineStats is the shape agents push via the remote ingest endpoint.
type machineStats struct {
	TotalSize      int64  `json:"totalSize"`
	TotalSizeHuman string `json:"totalSizeHuman"`
	TotalFileCount int64  `json:"totalFileCount"`
	SnapshotCount  int    `json:"snapshotCount"`
	LastBackup     string `json:"lastBackup"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("type")
	if view == "" {
		view = "overview"
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machines, err := a.machines.List(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	switch view {
	case "overview":
		respondJSON(w, http.StatusOK, overviewStats(machines))
	case "storage":
		respondJSON(w, http.StatusOK, storageStats(machines))
	case "machines":
		respondJSON(w, http.StatusOK, perMachineStats(machines))
	default:
		respondError(w, http.StatusBadRequest, errors.New("type must be overview, storage, or machines"))
	}
}

func parseStats(machine registry.Machine) (machineStats, bool) {
	if len(machine.Stats) == 0 {
		return machineStats{}, false
	}
	var stats machineStats
	if err := json.Unmarshal(machine.Stats, &stats); err != nil {
		return machineStats{}, false
	}
	return stats, true
}

func overviewStats(machines []registry.Machine) map[string]any {
	var totalSize int64
	var snapshotCount int
	reporting := 0
	lastBackup := ""

	for _, machine := range machines {
		stats, ok := parseStats(machine)
		if !ok {
			continue
		}
		reporting++
		totalSize += stats.TotalSize
		snapshotCount += stats.SnapshotCount
		if stats.LastBackup > lastBackup {
			lastBackup = stats.LastBackup
		}
	}

	return map[string]any{
		"type":           "overview",
		"machines":       len(machines),
		"reporting":      reporting,
		"totalSize":      totalSize,
		"totalSizeHuman": fmt.Sprintf("%.2f GB", float64(totalSize)/(1<<30)),
		"snapshotCount":  snapshotCount,
		"lastBackup":     lastBackup,
	}
}

func storageStats(machines []registry.Machine) map[string]any {
	items := make([]map[string]any, 0, len(machines))
	for _, machine := range machines {
		stats, ok := parseStats(machine)
		if !ok {
			continue
		}
		items = append(items, map[string]any{
			"machine":        machine.Name,
			"region":         machine.Region,
			"totalSize":      stats.TotalSize,
			"totalSizeHuman": stats.TotalSizeHuman,
			"totalFileCount": stats.TotalFileCount,
		})
	}
	return map[string]any{"type": "storage", "items": items}
}

func perMachineStats(machines []registry.Machine) map[string]any {
	items := make([]map[string]any, 0, len(machines))
	for _, machine := range machines {
		item := map[string]any{
			"machine":   machine.Name,
			"region":    machine.Region,
			"url":       machine.URL,
			"updatedAt": machine.UpdatedAt,
			"reporting": false,
		}
		if stats, ok := parseStats(machine); ok {
			item["reporting"] = true
			item["snapshotCount"] = stats.SnapshotCount
			item["lastBackup"] = stats.LastBackup
		}
		items = append(items, item)
	}
	return map[string]any{"type": "machines", "items": items}
}
