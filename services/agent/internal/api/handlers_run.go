package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"snapfleet/services/agent/internal/engine"
)

// sseSink writes each event as one SSE data frame and flushes it out
// immediately. After the first write failure the sink goes dead and drops
// the rest of the stream; the run itself is unaffected.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
	log     zerolog.Logger
}

func (s *sseSink) Write(ev engine.Event) error {
	if s.dead {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.dead = true
		s.log.Debug().Err(err).Msg("sse client disconnected")
		return nil
	}
	s.flusher.Flush()
	return nil
}

func (a *API) handleRunStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	tags := parseTags(r.URL.Query().Get("tags"))
	if r.ContentLength > 0 {
		var req struct {
			Tags []string `json:"tags"`
		}
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		tags = append(tags, req.Tags...)
	}

	machineID := r.Header.Get("X-Machine-Id")
	if machineID == "" {
		machineID = a.config.MachineID
	}

	runID := uuid.New()
	if a.runs != nil {
		if err := a.runs.CreateRun(r.Context(), runID, machineID); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sinks := []engine.Sink{&sseSink{w: w, flusher: flusher, log: a.log}}
	if a.historySink != nil {
		sinks = append(sinks, a.historySink)
	}
	pub := engine.NewPublisher(a.log, sinks...)

	a.log.Info().
		Str("run_id", runID.String()).
		Str("machine_id", machineID).
		Strs("tags", tags).
		Msg("backup run started")

	// A dropped stream must not stop the run; the run-level timeout inside
	// the tool client is the only cancellation.
	runCtx := context.WithoutCancel(r.Context())
	if err := a.engine.Execute(runCtx, runID, tags, pub); err != nil {
		a.log.Error().Err(err).Str("run_id", runID.String()).Msg("backup run failed")
	}
}

func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
