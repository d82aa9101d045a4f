package steps

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultApprovalTimeout bounds human_approval steps without config.timeout.
const DefaultApprovalTimeout = 24 * time.Hour

// ApprovalHandler files an approval request and suspends until it is decided.
type ApprovalHandler struct {
	approver escalation.Approver
}

// NewApprovalHandler creates a human_approval handler.
func NewApprovalHandler(approver escalation.Approver) *ApprovalHandler {
	return &ApprovalHandler{approver: approver}
}

func (h *ApprovalHandler) Type() schema.StepType { return schema.StepTypeHumanApproval }

func (h *ApprovalHandler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	config := req.Config()
	timeout := durationParam(config, "timeout", DefaultApprovalTimeout)

	ar := escalation.ApprovalRequest{
		ID:          "approval_" + uuid.New().String(),
		ExecutionID: req.ExecutionID,
		WorkflowID:  req.WorkflowID,
		Step:        req.Step.Name,
		Title:       rules.Interpolate(stringParam(config, "title", req.Step.Name), req.Vars),
		Description: rules.Interpolate(stringParam(config, "description", ""), req.Vars),
		Approvers:   stringList(rules.InterpolateValue(config["approvers"], req.Vars)),
		Timeout:     timeout,
		Context:     map[string]any{"priority": req.Priority},
		CreatedAt:   time.Now(),
	}

	decision, err := escalation.RequestWithTimeout(ctx, h.approver, ar)
	if errors.Is(err, escalation.ErrApprovalTimeout) {
		return &Outcome{Output: map[string]any{"approval_id": ar.ID, "approved": false}},
			schema.NewErrorf(schema.ErrCodeApprovalTimeout, "approval %q not decided within %s", ar.Title, timeout).
				WithDetails(map[string]any{"approval_id": ar.ID, "timeout": timeout.String()})
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"approval_id": ar.ID,
		"approved":    decision.Approved,
		"approver":    decision.Approver,
		"comment":     decision.Comment,
	}
	if !decision.Approved && boolParam(config, "fail_on_reject", false) {
		return &Outcome{Output: out}, schema.NewErrorf(schema.ErrCodeStepExecution,
			"approval %q rejected by %s", ar.Title, decision.Approver)
	}
	return &Outcome{Output: out}, nil
}
