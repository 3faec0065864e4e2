package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"catenary/internal/model"
)

var heartbeatEvery = 15 * time.Second

// currentState subscribes to the run and then re-reads it, so a run that
// finished in between is still reported. The first event describes the
// run as stored.
func (s *Server) currentState(r *http.Request, run model.Run) (<-chan model.RunEvent, func(), model.RunEvent) {
	ch, cancel := s.Events.Subscribe(r.Context(), run.ID)
	if fresh, err := s.Store.GetRun(r.Context(), run.TenantID, run.ID); err == nil {
		run = fresh
	}
	first := model.RunEvent{
		Type:     model.EventStatus,
		RunID:    run.ID,
		TenantID: run.TenantID,
		Status:   run.Status,
		Progress: run.Progress,
		Error:    run.Error,
		At:       time.Now().UTC(),
	}
	if run.Status.Terminal() {
		first.Type = model.EventDone
		first.Result = run.Result
	}
	return ch, cancel, first
}

// streamEvents serves GET /v1/runs/{id}/events as server-sent events until
// the run completes or the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, run model.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch, cancel, first := s.currentState(r, run)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(ev model.RunEvent) {
		b, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\n", ev.Type)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	send(first)
	if first.Type == model.EventDone {
		return
	}

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			send(ev)
			if ev.Type == model.EventDone {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"runId\":%q,\"ts\":%q}\n\n", run.ID, time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}
