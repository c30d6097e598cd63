package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/streaming"
	"github.com/rendis/spiral/pkg/schema"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.HistoryFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     schema.RunStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		writeErr(w, err)
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeErr(w, schema.ValidationError("since must be an RFC3339 timestamp"))
			return
		}
		filter.Since = &t
	}
	runs, err := s.deps.Engine.Runs(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*schema.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Engine.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Engine.Cancel(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Engine.Statistics(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedules": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.deps.Scheduler.Schedules()})
}

// handleRunStream streams one run's events. The first event is a "status"
// snapshot; the stream ends after the run's terminal event.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	ch, cancel, ok := s.subscribe(w, r, streaming.EventFilter{RunID: runID})
	if !ok {
		return
	}
	defer cancel()

	rec, err := s.deps.Engine.Status(r.Context(), runID)
	if err != nil {
		writeErr(w, err)
		return
	}

	flusher := startSSE(w)
	if err := sseEvent(w, "status", rec); err != nil {
		return
	}
	flusher.Flush()
	if rec.Status.IsTerminal() {
		return
	}
	s.pump(w, r, flusher, ch, func(ev schema.RunEvent) bool {
		return strings.HasPrefix(ev.Type, "workflow.") && ev.Status.IsTerminal()
	})
}

// handleEventStream streams events of all runs, optionally narrowed by
// workflow_id and a comma separated types list.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	filter := streaming.EventFilter{WorkflowID: r.URL.Query().Get("workflow_id")}
	if types := r.URL.Query().Get("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	ch, cancel, ok := s.subscribe(w, r, filter)
	if !ok {
		return
	}
	defer cancel()
	flusher := startSSE(w)
	flusher.Flush()
	s.pump(w, r, flusher, ch, nil)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) (<-chan schema.RunEvent, func(), bool) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming not supported")
		return nil, nil, false
	}
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event streaming is not enabled")
		return nil, nil, false
	}
	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return nil, nil, false
	}
	return ch, cancel, true
}

func startSSE(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return w.(http.Flusher)
}

// pump writes events until the client leaves, the hub closes the channel,
// or last reports an event as the final one.
func (s *Server) pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, ch <-chan schema.RunEvent, last func(schema.RunEvent) bool) {
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sseEvent(w, ev.Type, ev); err != nil {
				return
			}
			flusher.Flush()
			if last != nil && last(ev) {
				return
			}
		}
	}
}
