package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/pkg/schema"
)

type ctxKey int

const (
	exceptionDepthKey ctxKey = iota
	failureChainKey
)

// ExceptionSeverity is the severity reported to the exception workflow.
const ExceptionSeverity = "medium"

func exceptionDepth(ctx context.Context) int {
	d, _ := ctx.Value(exceptionDepthKey).(int)
	return d
}

func failureChain(ctx context.Context) []string {
	c, _ := ctx.Value(failureChainKey).([]string)
	return c
}

func withFailureChain(ctx context.Context, chain []string) context.Context {
	return context.WithValue(ctx, failureChainKey, chain)
}

// handleException runs the exception workflow for an engine-level failure of
// workflowID. Exceptions raised while handling an exception are only logged.
func (e *Engine) handleException(ctx context.Context, workflowID string, fe *schema.FlowError) {
	log := logging.LogWith(ctx, e.logger)
	depth := exceptionDepth(ctx)
	if e.cfg.exceptionWorkflow == "" || depth >= 1 || workflowID == e.cfg.exceptionWorkflow {
		log.Error("engine exception", "code", fe.Code, "error", fe.Message,
			"workflow", workflowID, "exception_depth", depth)
		return
	}

	exceptionID := "exc_" + uuid.New().String()
	log.Error("engine exception, running exception workflow",
		"code", fe.Code, "error", fe.Message, "workflow", workflowID,
		"exception_id", exceptionID, "exception_workflow", e.cfg.exceptionWorkflow)

	input := map[string]any{
		"exceptionId":  exceptionID,
		"errorType":    fe.Code,
		"errorMessage": fe.Message,
		"severity":     ExceptionSeverity,
		"timestamp":    e.cfg.now().UTC().Format(time.RFC3339),
		"workflowId":   workflowID,
	}
	if fe.ExecutionID != "" {
		input["executionId"] = fe.ExecutionID
	}

	xctx := context.WithValue(context.WithoutCancel(ctx), exceptionDepthKey, depth+1)
	res, err := e.Execute(xctx, e.cfg.exceptionWorkflow, input, ExecuteOptions{
		TriggeredBy: "exception_handler",
		Priority:    "high",
	})
	switch {
	case err != nil:
		log.Error("exception workflow did not complete", "exception_id", exceptionID, "error", err)
	case !res.Succeeded():
		log.Warn("exception workflow failed", "exception_id", exceptionID,
			"execution_id", res.ExecutionID, "error", res.Error)
	default:
		log.Info("exception workflow completed", "exception_id", exceptionID, "execution_id", res.ExecutionID)
	}
}
