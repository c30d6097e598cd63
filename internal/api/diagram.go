package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rendis/spiral/internal/diagram"
	"github.com/rendis/spiral/pkg/schema"
)

// handleDiagram renders a workflow as Mermaid or ASCII text. With run_id the
// diagram shows how far that run got.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}
	if format != "mermaid" && format != "ascii" {
		writeErr(w, schema.ValidationError("format must be mermaid or ascii"))
		return
	}

	wf, err := s.deps.Engine.Workflow(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	var rec *schema.RunRecord
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if rec, err = s.deps.Engine.Status(r.Context(), runID); err != nil {
			writeErr(w, err)
			return
		}
		if rec.WorkflowID != wf.ID {
			writeErr(w, schema.ValidationError("run %s belongs to workflow %s", runID, rec.WorkflowID))
			return
		}
	}

	model, err := diagram.Build(wf, rec)
	if err != nil {
		writeErr(w, schema.ValidationError("%s", err.Error()).WithCause(err))
		return
	}
	out := diagram.RenderMermaid(model)
	if format == "ascii" {
		out = diagram.RenderASCII(model)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}
