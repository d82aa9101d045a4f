package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/internal/steps"
	"github.com/rendis/flowpilot/internal/variables"
	"github.com/rendis/flowpilot/pkg/schema"
)

// run drives x from Pending to a terminal status.
func (e *Engine) run(x *execution) (res *schema.ExecutionResult, err error) {
	ctx := x.ctx
	log := logging.LogWith(ctx, e.logger)
	res = &schema.ExecutionResult{
		ExecutionID:     x.id,
		WorkflowID:      x.workflow.ID,
		WorkflowVersion: x.workflow.Version,
		Status:          schema.ExecutionStatusPending,
		StepResults:     []schema.StepResult{},
		Metadata:        x.meta,
		StartedAt:       x.started,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			fe := schema.NewErrorf(schema.ErrCodeEngineFault, "execution panicked: %v", r)
			res, err = e.finish(x, res, nil, fe)
		}
		e.remove(x)
		x.cancel(nil)
	}()

	e.transition(x, schema.ExecutionStatusRunning, map[string]any{
		"version":      x.workflow.Version,
		"triggered_by": x.meta.TriggeredBy,
		"priority":     x.meta.Priority,
	})
	res.Status = schema.ExecutionStatusRunning

	vars := variables.New(x.input)
	for i, step := range x.workflow.Steps {
		x.setCurrent(i)
		if ctx.Err() != nil {
			return e.finish(x, res, nil, cancellation(ctx, nil).WithStep(step.Name, i))
		}
		sctx := logging.WithStep(ctx, step.Name)

		if step.Condition != "" {
			ok, cerr := e.rules.EvaluateBool(step.Condition, vars)
			if cerr != nil {
				fe := schema.ToFlowError(cerr, schema.ErrCodeCondition).WithStep(step.Name, i)
				return e.finish(x, res, nil, fe)
			}
			if !ok {
				res.StepResults = append(res.StepResults, schema.StepResult{
					StepName:  step.Name,
					Type:      step.Type,
					Status:    schema.StepStatusSkipped,
					Output:    map[string]any{},
					Timestamp: e.cfg.now(),
				})
				logging.LogWith(sctx, e.logger).Debug("step skipped", "condition", step.Condition)
				e.emit(sctx, x, schema.EventStepSkipped, step.Name, map[string]any{"index": i})
				continue
			}
		}

		out, ferr := e.steps.ExecuteStep(sctx, steps.Request{
			ExecutionID: x.id,
			WorkflowID:  x.workflow.ID,
			StepIndex:   i,
			Step:        step,
			Vars:        vars.Snapshot(),
			Priority:    x.meta.Priority,
		})
		res.StepResults = append(res.StepResults, out.StepResult)
		if ferr != nil {
			e.emitStep(sctx, x, out, i)
			fe := schema.ToFlowError(ferr, schema.ErrCodeEngineFault)
			if fe.Code == schema.ErrCodeCancelled {
				fe = cancellation(ctx, fe)
			}
			return e.finish(x, res, nil, fe)
		}

		vars.Merge(out.StepResult.Output)
		e.emitStep(sctx, x, out, i)

		if out.Failed() {
			switch {
			case step.OnFailure != nil:
				return e.onFailure(sctx, x, res, vars, step, i, out.Err)
			case step.ContinueOnError:
				logging.LogWith(sctx, e.logger).Warn("step failed, continuing",
					"code", out.Err.Code, "error", out.Err.Message)
				continue
			default:
				return e.finish(x, res, nil, out.Err)
			}
		}

		if step.Escalate || out.Escalate {
			reason := out.Reason
			if reason == "" {
				reason = fmt.Sprintf("step %q requested escalation", step.Name)
			}
			return e.escalate(sctx, x, res, vars, step, i, reason, "")
		}
	}
	return e.finish(x, res, vars, nil)
}

// finish moves x to its terminal status, records it and applies the Execute
// error contract. vars is only read on success.
func (e *Engine) finish(x *execution, res *schema.ExecutionResult, vars *variables.Context, fe *schema.FlowError) (*schema.ExecutionResult, error) {
	now := e.cfg.now()
	res.CompletedAt = now
	res.DurationMs = now.Sub(x.started).Milliseconds()

	data := map[string]any{
		"duration_ms": res.DurationMs,
		"steps":       len(res.StepResults),
	}
	to := schema.ExecutionStatusCompleted
	if fe != nil {
		if fe.WorkflowID == "" {
			fe.WithWorkflow(x.workflow.ID)
		}
		if fe.ExecutionID == "" {
			fe.WithExecution(x.id)
		}
		to = schema.ExecutionStatusFailed
		res.Status = schema.ExecutionStatusFailed
		res.Error = fe
		res.Output = nil
		data["code"] = fe.Code
		data["error"] = fe.Message
	} else {
		res.Status = schema.ExecutionStatusCompleted
		if vars != nil {
			res.Output = vars.Snapshot()
		} else {
			res.Output = map[string]any{}
		}
	}
	e.transition(x, to, data)

	log := logging.LogWith(x.ctx, e.logger)
	if fe != nil {
		log.Info("execution failed", "code", fe.Code, "error", fe.Message, "step", fe.Step, "duration_ms", res.DurationMs)
	} else {
		log.Info("execution completed", "steps", len(res.StepResults), "duration_ms", res.DurationMs)
	}

	e.tracker.Record(context.WithoutCancel(x.ctx), summarize(x, res))

	if fe == nil {
		return res, nil
	}
	if fe.Code == schema.ErrCodeEngineFault {
		e.handleException(x.ctx, x.workflow.ID, fe)
	}
	if aborts(fe) {
		return res, fe
	}
	return res, nil
}

// transition applies a lifecycle transition. Emit failures are logged and do
// not stop the execution.
func (e *Engine) transition(x *execution, to schema.ExecutionStatus, data map[string]any) {
	x.mu.Lock()
	from := x.status
	x.mu.Unlock()

	ctx := context.WithoutCancel(x.ctx)
	err := e.fsm.Transition(ctx, x.event(e.cfg.now(), data), from, to)
	switch {
	case err == nil:
	case schema.HasCode(err, schema.ErrCodeStore):
		logging.LogWith(ctx, e.logger).Error("failed to emit transition event", "to", to, "error", err)
	default:
		logging.LogWith(ctx, e.logger).Error("transition rejected", "from", from, "to", to, "error", err)
		return
	}
	x.setStatus(to)
}

func (e *Engine) emitStep(ctx context.Context, x *execution, out steps.Result, index int) {
	data := map[string]any{
		"index":       index,
		"type":        string(out.StepResult.Type),
		"duration_ms": out.StepResult.DurationMs,
	}
	eventType := schema.EventStepCompleted
	if out.Failed() {
		eventType = schema.EventStepFailed
		data["error"] = out.StepResult.Error
		if out.Err != nil {
			data["code"] = out.Err.Code
		}
	}
	e.emit(ctx, x, eventType, out.StepResult.StepName, data)
}

// onFailure runs the step's on_failure handler; its result is terminal.
func (e *Engine) onFailure(ctx context.Context, x *execution, res *schema.ExecutionResult, vars *variables.Context, step schema.Step, index int, cause *schema.FlowError) (*schema.ExecutionResult, error) {
	fh := step.OnFailure
	switch fh.Action {
	case schema.FailureActionEscalate:
		reason := fmt.Sprintf("step %q failed: %s", step.Name, cause.Message)
		return e.escalate(ctx, x, res, vars, step, index, reason, cause.Message)
	case schema.FailureActionRunWorkflow:
		return e.runFailureWorkflow(ctx, x, res, vars, step, index, cause)
	case schema.FailureActionNotify:
		e.notifyFailure(ctx, x, vars, step, cause)
		return e.finish(x, res, nil, cause)
	default:
		fe := schema.NewErrorf(schema.ErrCodeDefinition, "unknown on_failure action %q", fh.Action).
			WithStep(step.Name, index).
			WithCause(cause)
		return e.finish(x, res, nil, fe)
	}
}

func (e *Engine) runFailureWorkflow(ctx context.Context, x *execution, res *schema.ExecutionResult, vars *variables.Context, step schema.Step, index int, cause *schema.FlowError) (*schema.ExecutionResult, error) {
	target := step.OnFailure.Workflow
	chain := append(slices.Clone(failureChain(ctx)), x.workflow.ID)
	if slices.Contains(chain, target) {
		fe := schema.NewErrorf(schema.ErrCodeStepExecution,
			"on_failure workflow %q is already running in this failure chain", target).
			WithStep(step.Name, index).
			WithDetails(map[string]any{"chain": chain}).
			WithCause(cause)
		return e.finish(x, res, nil, fe)
	}

	input := vars.Snapshot()
	input["failure"] = map[string]any{
		"workflow_id":  x.workflow.ID,
		"execution_id": x.id,
		"step":         step.Name,
		"step_index":   index,
		"code":         cause.Code,
		"error":        cause.Message,
	}
	child, err := e.Execute(withFailureChain(ctx, chain), target, input, ExecuteOptions{
		TriggeredBy: "on_failure:" + x.workflow.ID,
		Priority:    x.meta.Priority,
	})
	if child == nil {
		fe := schema.NewErrorf(schema.ErrCodeStepExecution, "on_failure workflow %q could not start", target).
			WithStep(step.Name, index).
			WithCause(err)
		return e.finish(x, res, nil, fe)
	}

	recovery := map[string]any{
		"execution_id": child.ExecutionID,
		"workflow_id":  child.WorkflowID,
		"status":       string(child.Status),
	}
	if child.Succeeded() {
		recovery["output"] = child.Output
		vars.Set("recovery", recovery)
		return e.finish(x, res, vars, nil)
	}
	if x.ctx.Err() != nil {
		return e.finish(x, res, nil, cancellation(x.ctx, nil).WithStep(step.Name, index))
	}
	fe := schema.NewErrorf(schema.ErrCodeStepExecution, "on_failure workflow %q failed", target).
		WithStep(step.Name, index).
		WithDetails(map[string]any{"recovery": recovery}).
		WithCause(child.Error)
	return e.finish(x, res, nil, fe)
}

func (e *Engine) notifyFailure(ctx context.Context, x *execution, vars *variables.Context, step schema.Step, cause *schema.FlowError) {
	fh := step.OnFailure
	channel := fh.Channel
	if channel == "" {
		channel = "email"
	}
	scope := variables.Overlay{
		Top: map[string]any{
			"error":       cause.Message,
			"failed_step": step.Name,
		},
		Base: vars,
	}
	message := fmt.Sprintf("Workflow %s failed at step %q: %s", x.workflow.ID, step.Name, cause.Message)
	if fh.Message != "" {
		message = rules.Interpolate(fh.Message, scope)
	}

	_, err := e.notifier.Send(ctx, escalation.Notification{
		Channel:    channel,
		Recipients: fh.Recipients,
		Subject:    fmt.Sprintf("Workflow %s failed", x.workflow.ID),
		Message:    message,
		Metadata: map[string]any{
			"execution_id": x.id,
			"workflow_id":  x.workflow.ID,
			"step":         step.Name,
			"code":         cause.Code,
		},
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("failure notification not delivered", "channel", channel, "error", err)
	}
}

// escalate hands x to the escalation handler; its verdict is terminal.
func (e *Engine) escalate(ctx context.Context, x *execution, res *schema.ExecutionResult, vars *variables.Context, step schema.Step, index int, reason, errText string) (*schema.ExecutionResult, error) {
	e.emit(ctx, x, schema.EventEscalationRequested, step.Name, map[string]any{
		"index":  index,
		"reason": reason,
	})

	resolution, err := e.escalation.Escalate(ctx, escalation.Escalation{
		ExecutionID: x.id,
		WorkflowID:  x.workflow.ID,
		Step:        step.Name,
		StepIndex:   index,
		Reason:      reason,
		Error:       errText,
		Priority:    x.meta.Priority,
		Variables:   vars.Snapshot(),
	})
	if err != nil {
		if x.ctx.Err() != nil {
			return e.finish(x, res, nil, cancellation(x.ctx, nil).WithStep(step.Name, index))
		}
		fe := schema.NewErrorf(schema.ErrCodeStepExecution, "escalation failed: %s", err.Error()).
			WithStep(step.Name, index).
			WithCause(err)
		return e.finish(x, res, nil, fe)
	}

	outcome := map[string]any{
		"verdict":     string(resolution.Verdict),
		"approval_id": resolution.ApprovalID,
		"approver":    resolution.Decision.Approver,
		"comment":     resolution.Decision.Comment,
	}
	var fe *schema.FlowError
	switch resolution.Verdict {
	case escalation.VerdictApproved:
		vars.Set("escalation", outcome)
		return e.finish(x, res, vars, nil)
	case escalation.VerdictTimeout:
		fe = schema.NewErrorf(schema.ErrCodeApprovalTimeout, "escalation of step %q timed out", step.Name)
	default:
		fe = schema.NewErrorf(schema.ErrCodeStepExecution, "escalation of step %q was rejected", step.Name)
	}
	return e.finish(x, res, nil, fe.WithStep(step.Name, index).WithDetails(outcome))
}

// aborts reports whether fe is surfaced to Execute's caller as an error.
func aborts(fe *schema.FlowError) bool {
	return schema.IsConditionError(fe) ||
		fe.Code == schema.ErrCodeDefinition ||
		fe.Code == schema.ErrCodeUnknownDecisionType ||
		fe.Code == schema.ErrCodeEngineFault
}

// cancellation returns fe (or a new CANCELLED error) annotated with the
// reason the execution context was cancelled.
func cancellation(ctx context.Context, fe *schema.FlowError) *schema.FlowError {
	cause := context.Cause(ctx)
	if fe == nil {
		fe = schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(cause)
	}
	return fe.WithDetails(map[string]any{"reason": cancelReason(cause)})
}

func cancelReason(cause error) string {
	switch {
	case errors.Is(cause, ErrMaxRuntimeExceeded):
		return "max_runtime_exceeded"
	case errors.Is(cause, ErrEngineShutdown):
		return "shutdown"
	case errors.Is(cause, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "cancelled"
	}
}

func summarize(x *execution, res *schema.ExecutionResult) schema.ExecutionSummary {
	s := schema.ExecutionSummary{
		ExecutionID:     x.id,
		WorkflowID:      x.workflow.ID,
		WorkflowVersion: x.workflow.Version,
		Status:          res.Status,
		StartTime:       x.started,
		EndTime:         res.CompletedAt,
		DurationMs:      res.DurationMs,
		StepCount:       len(x.workflow.Steps),
		CurrentStep:     len(res.StepResults),
		TriggeredBy:     x.meta.TriggeredBy,
		Priority:        x.meta.Priority,
	}
	if res.Error != nil {
		s.Error = res.Error.Message
		s.ErrorStep = res.Error.Step
	}
	return s
}
