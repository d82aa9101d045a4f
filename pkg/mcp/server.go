// Package mcp exposes the flowpilot engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/definitions"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/escalation"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    *engine.Engine
	Loader    *definitions.Loader
	Approvals *escalation.Queue // optional
	Sessions  *SessionRegistry  // optional
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with the flowpilot tool handlers.
type Server struct {
	engine    *engine.Engine
	loader    *definitions.Loader
	approvals *escalation.Queue
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 7 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Loader == nil {
		deps.Loader = definitions.NewLoader(nil)
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		engine:    deps.Engine,
		loader:    deps.Loader,
		approvals: deps.Approvals,
		sessions:  deps.Sessions,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowpilot",
		deps.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowpilot runs declarative multi-step workflows. Use flowpilot.register to add a workflow definition, flowpilot.execute to run it, flowpilot.active and flowpilot.history to follow executions, flowpilot.cancel to stop one, flowpilot.approve to answer pending human approvals and flowpilot.metrics for aggregate success rates."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the recipient to session mapping used by Notifier.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: activeTool(), Handler: s.handleActive},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: metricsTool(), Handler: s.handleMetrics},
		{Tool: approveTool(), Handler: s.handleApprove},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("flowpilot.register",
		mcp.WithDescription("Register a versioned workflow definition"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (id, name, version, steps)")),
		mcp.WithString("document", mcp.Description("JSON or YAML document holding one workflow or a list of workflows")),
		mcp.WithString("recipient", mcp.Description("Name to receive mcp channel notifications on this session")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("flowpilot.execute",
		mcp.WithDescription("Execute a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithString("version", mcp.Description("Workflow version (default: latest)")),
		mcp.WithObject("input", mcp.Description("Initial execution variables")),
		mcp.WithString("priority", mcp.Description("Execution priority (default: normal)")),
		mcp.WithBoolean("async", mcp.Description("Return the execution id immediately instead of waiting for the result")),
		mcp.WithString("recipient", mcp.Description("Name to receive mcp channel notifications on this session")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowpilot.cancel",
		mcp.WithDescription("Cancel an active execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func activeTool() mcp.Tool {
	return mcp.NewTool("flowpilot.active",
		mcp.WithDescription("List executions that are still running"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("flowpilot.history",
		mcp.WithDescription("List recently finished executions"),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default: 50)")),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("flowpilot.metrics",
		mcp.WithDescription("Get aggregate execution metrics"),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("flowpilot.approve",
		mcp.WithDescription("List pending approvals, or approve or reject one"),
		mcp.WithString("approval_id", mcp.Description("Approval to resolve; omit to list pending approvals")),
		mcp.WithBoolean("approved", mcp.Description("true to approve, false to reject")),
		mcp.WithString("approver", mcp.Description("Who is deciding")),
		mcp.WithString("comment", mcp.Description("Reason for the decision")),
	)
}
