package steps

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Result is one executed step: the immutable StepResult plus the signals the
// engine acts on.
type Result struct {
	StepResult schema.StepResult
	Escalate   bool
	Reason     string
	Err        *schema.FlowError // set when the step failed
}

// Failed reports whether the step failed.
func (r Result) Failed() bool {
	return r.StepResult.Status == schema.StepStatusFailed
}

// Executor dispatches steps to their handlers.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger, now: time.Now}
}

// Registry returns the handler registry.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteStep runs one step and always returns its Result. The error is
// non-nil only when the failure must abort the execution regardless of the
// step's failure policy: definition and condition errors, engine faults and
// cancellation. Every other handler error is reported through Result alone.
func (e *Executor) ExecuteStep(ctx context.Context, req Request) (Result, error) {
	start := e.now()
	res := Result{StepResult: schema.StepResult{
		StepName:  req.Step.Name,
		Type:      req.Step.Type,
		Status:    schema.StepStatusCompleted,
		Output:    map[string]any{},
		Timestamp: start,
	}}

	h, err := e.registry.Get(req.Step.Type)
	if err != nil {
		fe := e.fail(&res, req, err)
		return res, fe
	}

	out, herr := e.invoke(ctx, h, req)
	res.StepResult.DurationMs = e.now().Sub(start).Milliseconds()
	if out != nil {
		if out.Output != nil {
			res.StepResult.Output = out.Output
		}
		res.Escalate = out.Escalate
		res.Reason = out.Reason
	}
	if herr == nil {
		return res, nil
	}

	// Anything failing while ctx is done is a cancellation, whatever the handler said.
	if ctx.Err() != nil {
		herr = schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(context.Cause(ctx))
	}
	fe := e.fail(&res, req, herr)
	if isFatal(fe) {
		return res, fe
	}
	logging.LogWith(ctx, e.logger).Warn("step failed",
		"step", req.Step.Name, "type", req.Step.Type, "code", fe.Code, "error", fe.Message)
	return res, nil
}

func (e *Executor) fail(res *Result, req Request, err error) *schema.FlowError {
	fe := schema.ToFlowError(err, schema.ErrCodeStepExecution)
	if fe.Step == "" {
		fe.WithStep(req.Step.Name, req.StepIndex)
	}
	if fe.WorkflowID == "" {
		fe.WithWorkflow(req.WorkflowID)
	}
	if fe.ExecutionID == "" {
		fe.WithExecution(req.ExecutionID)
	}
	res.StepResult.Status = schema.StepStatusFailed
	res.StepResult.Error = fe.Message
	res.Err = fe
	return fe
}

// invoke calls the handler, converting panics into ENGINE_FAULT.
func (e *Executor) invoke(ctx context.Context, h Handler, req Request) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("step handler panicked",
				"step", req.Step.Name, "panic", r, "stack", string(debug.Stack()))
			out = nil
			err = schema.NewErrorf(schema.ErrCodeEngineFault, "step handler panicked: %v", r).
				WithDetails(map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	return h.Execute(ctx, req)
}

// isFatal reports whether err aborts the execution instead of failing the step.
func isFatal(err error) bool {
	switch {
	case schema.IsConditionError(err),
		schema.HasCode(err, schema.ErrCodeDefinition),
		schema.HasCode(err, schema.ErrCodeUnknownDecisionType),
		schema.HasCode(err, schema.ErrCodeEngineFault),
		schema.HasCode(err, schema.ErrCodeCancelled):
		return true
	}
	return false
}
