package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf schema.Workflow
	if err := decodeBody(w, r, &wf, false); err != nil {
		writeErr(w, err)
		return
	}
	if wf.ID != "" {
		if _, err := s.deps.Engine.Workflow(r.Context(), wf.ID); err == nil {
			writeErr(w, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists; use PUT to replace it", wf.ID))
			return
		}
	}
	out, err := s.deps.Engine.Define(r.Context(), &wf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		TriggerKind: schema.TriggerKind(r.URL.Query().Get("trigger_kind")),
		Owner:       r.URL.Query().Get("owner"),
	}
	var err error
	if filter.Enabled, err = queryBoolPtr(r, "enabled"); err != nil {
		writeErr(w, err)
		return
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeErr(w, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeErr(w, err)
		return
	}
	wfs, err := s.deps.Engine.Workflows(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if wfs == nil {
		wfs = []*schema.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "total": len(wfs)})
}

// handleValidateWorkflow reports every issue of a workflow document without storing it.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf schema.Workflow
	if err := decodeBody(w, r, &wf, false); err != nil {
		writeErr(w, err)
		return
	}
	result := s.deps.Engine.Validator().Validate(&wf)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Workflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handlePutWorkflow creates or replaces the workflow at id.
func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var wf schema.Workflow
	if err := decodeBody(w, r, &wf, false); err != nil {
		writeErr(w, err)
		return
	}
	if wf.ID != "" && wf.ID != id {
		writeErr(w, schema.ValidationError("body id %q does not match path id %q", wf.ID, id))
		return
	}
	wf.ID = id
	out, err := s.deps.Engine.Define(r.Context(), &wf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePatchWorkflow toggles a workflow on or off.
func (s *Server) handlePatchWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeErr(w, err)
		return
	}
	if body.Enabled == nil {
		writeErr(w, schema.ValidationError("enabled is required"))
		return
	}
	wf, err := s.deps.Engine.SetEnabled(r.Context(), mux.Vars(r)["id"], *body.Enabled)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTrigger starts a manual run. The body is the trigger payload. With
// wait=true the response is the terminal run record instead of the run id.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var payload map[string]any
	if err := decodeBody(w, r, &payload, true); err != nil {
		writeErr(w, err)
		return
	}
	wait, err := queryBool(r, "wait")
	if err != nil {
		writeErr(w, err)
		return
	}

	if wait {
		rec, err := s.deps.Engine.Execute(r.Context(), id, payload)
		if err != nil && rec == nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	res, err := s.deps.Engine.Trigger(r.Context(), id, payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleTriggerByName(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(w, r, &payload, true); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Engine.TriggerByName(r.Context(), mux.Vars(r)["name"], payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleInboundEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.Event
	if err := decodeBody(w, r, &ev, false); err != nil {
		writeErr(w, err)
		return
	}
	results, err := s.deps.Engine.HandleEvent(r.Context(), ev)
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []engine.TriggerResult{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": ev.Name, "runs": results})
}

func (s *Server) handleObserveMetric(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string   `json:"name"`
		Value *float64 `json:"value"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeErr(w, err)
		return
	}
	if body.Name == "" || body.Value == nil {
		writeErr(w, schema.ValidationError("name and value are required"))
		return
	}
	results, err := s.deps.Engine.ObserveMetric(r.Context(), body.Name, *body.Value)
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []engine.TriggerResult{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"metric": body.Name, "runs": results})
}
