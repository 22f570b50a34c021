package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleListFiles(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")
	path := r.URL.Query().Get("path")

	items, err := a.client.ListFiles(r.Context(), snapshotID, path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(items),
		"items":   items,
	})
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, errors.New("path query parameter is required"))
		return
	}

	proc, err := a.client.Dump(r.Context(), snapshotID, path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	filename := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		filename = path[idx+1:]
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	// Bytes stream as they arrive; headers are already gone, so a late
	// tool failure can only be logged, not reported to the caller.
	if _, err := io.Copy(w, proc.Stdout); err != nil {
		a.log.Warn().Err(err).Str("snapshot_id", snapshotID).Msg("file stream interrupted")
	}
	if res := proc.Wait(); !res.Success() {
		a.log.Warn().
			Int("exit_code", res.ExitCode).
			Str("stderr", strings.TrimSpace(res.Stderr)).
			Str("snapshot_id", snapshotID).
			Msg("file dump exited non-zero")
	}
}
