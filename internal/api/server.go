// Package api serves the spiral REST API.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/scheduler"
	"github.com/rendis/spiral/internal/streaming"
	"github.com/rendis/spiral/internal/webhooks"
)

// Deps holds the collaborators the API serves. Scheduler may be nil.
type Deps struct {
	Engine    *engine.Engine
	Webhooks  *webhooks.Service
	Hub       streaming.EventHub
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// Server routes REST requests to the engine and the webhook service.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverMiddleware, s.loggingMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Workflows.
	r.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows/validate", s.handleValidateWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}", s.handlePutWorkflow).Methods(http.MethodPut)
	r.HandleFunc("/workflows/{id}", s.handlePatchWorkflow).Methods(http.MethodPatch)
	r.HandleFunc("/workflows/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	r.HandleFunc("/workflows/{id}/trigger", s.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/workflows/by-name/{name}/trigger", s.handleTriggerByName).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}/diagram", s.handleDiagram).Methods(http.MethodGet)

	// Inbound signals.
	r.HandleFunc("/events", s.handleInboundEvent).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEventStream).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleObserveMetric).Methods(http.MethodPost)

	// Runs.
	r.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/events", s.handleRunStream).Methods(http.MethodGet)
	r.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	r.HandleFunc("/schedules", s.handleSchedules).Methods(http.MethodGet)

	// Webhooks.
	r.HandleFunc("/subscriptions", s.handleCreateSubscription).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}", s.handleGetSubscription).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}", s.handlePatchSubscription).Methods(http.MethodPatch)
	r.HandleFunc("/subscriptions/{id}", s.handleDeleteSubscription).Methods(http.MethodDelete)
	r.HandleFunc("/deliveries", s.handleListDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/deliveries/{id}", s.handleGetDelivery).Methods(http.MethodGet)
	r.HandleFunc("/deliveries/{id}/retry", s.handleRetryDelivery).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/events", s.handleDispatchEvent).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/verify", s.handleVerifySignature).Methods(http.MethodPost)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.deps.Logger.Error("panic in handler", slog.String("path", r.URL.Path), slog.Any("panic", p))
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":       "ok",
		"running_runs": len(s.deps.Engine.Running()),
	}
	if s.deps.Webhooks != nil {
		body["queued_deliveries"] = s.deps.Webhooks.Pending()
	}
	writeJSON(w, http.StatusOK, body)
}
