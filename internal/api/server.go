// Package api serves the flowpilot admin HTTP API and the live event stream.
package api

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/flowpilot/internal/definitions"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/scheduler"
	"github.com/rendis/flowpilot/internal/streaming"
)

// maxBodyBytes caps request bodies (workflow documents, execution input).
const maxBodyBytes = 4 << 20

// Deps holds the dependencies for the API server. Scheduler, Approvals and
// Hub are optional; their routes answer 404 when unset.
type Deps struct {
	Engine    *engine.Engine
	Loader    *definitions.Loader
	Scheduler *scheduler.Scheduler
	Approvals *escalation.Queue
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server serves the admin API.
type Server struct {
	deps    Deps
	started time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Loader == nil {
		deps.Loader = definitions.NewLoader(nil)
	}
	return &Server{deps: deps, started: time.Now()}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Workflows.
	r.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows", s.handleRegisterWorkflows).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/versions", s.handleListVersions).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/diagram", s.handleDiagram).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/execute", s.handleExecute).Methods(http.MethodPost)

	// Executions.
	r.HandleFunc("/executions/active", s.handleActive).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	// Approvals and triggers.
	r.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{id}", s.handleResolveApproval).Methods(http.MethodPost)
	r.HandleFunc("/triggers", s.handleListTriggers).Methods(http.MethodGet)
	r.HandleFunc("/triggers/{event}", s.handleFireTrigger).Methods(http.MethodPost)

	// Live events.
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// loggingMiddleware logs one line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
