package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/flowpilot/internal/diagram"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"workflows":  s.deps.Engine.Workflows().Count(),
		"active":     len(s.deps.Engine.GetActiveExecutions()),
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	})
}

// handleListWorkflows lists every registered workflow id with its versions.
func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Workflows().List())
}

// handleRegisterWorkflows registers a JSON or YAML document holding one
// workflow or a list of workflows. Registration stops at the first error.
func (s *Server) handleRegisterWorkflows(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wfs, err := s.deps.Loader.Parse(data)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	type registered struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	done := make([]registered, 0, len(wfs))
	for _, wf := range wfs {
		if err := s.deps.Engine.RegisterWorkflow(r.Context(), wf); err != nil {
			if fe, ok := schema.AsFlowError(err); ok && len(done) > 0 {
				fe.WithDetails(map[string]any{"registered": done})
			}
			writeFlowError(w, err)
			return
		}
		done = append(done, registered{ID: wf.ID, Version: wf.Version})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"registered": done})
}

// handleGetWorkflow returns one version of a workflow, the latest by default.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf, err := s.deps.Engine.Workflows().Lookup(id, r.URL.Query().Get("version"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	versions, err := s.deps.Engine.Workflows().ListVersions(id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "versions": versions})
}

// handleDiagram renders a workflow version as Mermaid (default) or ASCII text.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	wf, err := s.deps.Engine.Workflows().Lookup(id, q.Get("version"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	model, err := diagram.Build(wf, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := diagram.Render(model, diagram.Format(q.Get("format")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, out)
}

// executeRequest is the body of POST /workflows/{id}/execute.
type executeRequest struct {
	Input       map[string]any `json:"input"`
	Version     string         `json:"version"`
	TriggeredBy string         `json:"triggered_by"`
	Priority    string         `json:"priority"`
	Async       bool           `json:"async"`
}

// handleExecute runs a workflow. Synchronous runs answer with the execution
// result, including aborted ones; async runs answer 202 with the execution id.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}
	opts := engine.ExecuteOptions{Version: req.Version, TriggeredBy: req.TriggeredBy, Priority: req.Priority}

	if req.Async {
		execID, err := s.deps.Engine.ExecuteAsync(r.Context(), id, req.Input, opts)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID, "workflow_id": id})
		return
	}

	res, err := s.deps.Engine.Execute(r.Context(), id, req.Input, opts)
	if res == nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.GetActiveExecutions())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Engine.Cancel(id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "cancelling"})
}

// handleHistory returns finished executions, optionally for one workflow.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.deps.Engine.GetHistory(q.Get("workflow_id"), queryInt(r, "limit", 0)))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": s.deps.Engine.GetMetrics(),
		"pool":       s.deps.Engine.PoolMetrics(),
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, http.StatusNotFound, "approval queue is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Approvals.Pending())
}

// resolveRequest is the body of POST /approvals/{id}.
type resolveRequest struct {
	Approved *bool  `json:"approved"`
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, http.StatusNotFound, "approval queue is not enabled")
		return
	}
	id := mux.Vars(r)["id"]
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}

	err := s.deps.Approvals.Resolve(id, escalation.ApprovalDecision{
		Approved: *req.Approved,
		Approver: req.Approver,
		Comment:  req.Comment,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": id, "approved": *req.Approved})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": s.deps.Scheduler.Jobs(),
		"events":    s.deps.Scheduler.Events(),
	})
}

// handleFireTrigger starts every workflow subscribed to the event. The body,
// if any, is the execution input.
func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler is not enabled")
		return
	}
	event := mux.Vars(r)["event"]
	var input map[string]any
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.deps.Scheduler.Fire(r.Context(), event, input)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": event, "execution_ids": ids})
}
