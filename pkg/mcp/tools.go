package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// handleRegister registers the workflows of a definition object or document.
func (s *Server) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.captureSession(ctx, req.GetString("recipient", ""))

	var data []byte
	if def := mcp.ParseStringMap(req, "definition", nil); def != nil {
		raw, err := json.Marshal(def)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		data = raw
	} else if doc := req.GetString("document", ""); doc != "" {
		data = []byte(doc)
	} else {
		return mcp.NewToolResultError("one of definition or document is required"), nil
	}

	wfs, err := s.loader.Parse(data)
	if err != nil {
		return toolError("invalid definition", err), nil
	}

	registered := make([]map[string]string, 0, len(wfs))
	for _, wf := range wfs {
		if err := s.engine.RegisterWorkflow(ctx, wf); err != nil {
			return toolError(fmt.Sprintf("register %s@%s failed", wf.ID, wf.Version), err), nil
		}
		registered = append(registered, map[string]string{"id": wf.ID, "version": wf.Version})
	}
	return marshalResult(map[string]any{"registered": registered})
}

// handleExecute runs a workflow, synchronously unless async is set.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("recipient", ""))

	input := mcp.ParseStringMap(req, "input", nil)
	opts := engine.ExecuteOptions{
		Version:     req.GetString("version", ""),
		TriggeredBy: "mcp",
		Priority:    req.GetString("priority", ""),
	}

	if req.GetBool("async", false) {
		execID, err := s.engine.ExecuteAsync(ctx, workflowID, input, opts)
		if err != nil {
			return toolError("execution failed to start", err), nil
		}
		return marshalResult(map[string]any{"execution_id": execID, "workflow_id": workflowID})
	}

	res, err := s.engine.Execute(ctx, workflowID, input, opts)
	if res == nil {
		return toolError("execution failed", err), nil
	}
	return marshalResult(res)
}

func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.Cancel(execID); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": execID})
}

func (s *Server) handleActive(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"executions": s.engine.GetActiveExecutions()})
}

func (s *Server) handleHistory(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	history := s.engine.GetHistory(req.GetString("workflow_id", ""), req.GetInt("limit", 0))
	return marshalResult(map[string]any{"executions": history})
}

func (s *Server) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.engine.GetMetrics())
}

// handleApprove lists pending approvals, or resolves one when approval_id is given.
func (s *Server) handleApprove(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.approvals == nil {
		return mcp.NewToolResultError("approval queue is not enabled"), nil
	}
	id := req.GetString("approval_id", "")
	if id == "" {
		return marshalResult(map[string]any{"pending": s.approvals.Pending()})
	}

	approved, ok := req.GetArguments()["approved"].(bool)
	if !ok {
		return mcp.NewToolResultError("approved is required when approval_id is set"), nil
	}
	err := s.approvals.Resolve(id, escalation.ApprovalDecision{
		Approved: approved,
		Approver: req.GetString("approver", ""),
		Comment:  req.GetString("comment", ""),
	})
	if err != nil {
		return toolError("resolve failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "approval_id": id, "approved": approved})
}

// --- Internal helpers ---

// captureSession maps the recipient to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, recipient string) {
	if recipient == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(recipient, session.SessionID())
	}
}

// toolError reports err as a tool error, keeping its code when it has one.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if fe, ok := schema.AsFlowError(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
