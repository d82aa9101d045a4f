package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/logging"
)

// Escalation describes an execution handed to a human.
type Escalation struct {
	ExecutionID string
	WorkflowID  string
	Step        string
	StepIndex   int
	Reason      string
	Error       string
	Priority    string
	Variables   map[string]any
}

// Verdict is the escalation outcome the engine acts on.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictTimeout  Verdict = "timeout"
)

// Resolution is what an escalation handler hands back to the engine.
type Resolution struct {
	Verdict    Verdict          `json:"verdict"`
	ApprovalID string           `json:"approval_id"`
	Decision   ApprovalDecision `json:"decision"`
}

// Handler takes control of an escalated execution and decides its outcome.
type Handler interface {
	Escalate(ctx context.Context, e Escalation) (Resolution, error)
}

// Manager is the default Handler: it notifies the escalation channel and
// files an approval request with the configured Approver.
type Manager struct {
	approver  Approver
	notifier  Notifier
	approvers []string
	timeout   time.Duration
	channel   string
	logger    *slog.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Approver  Approver
	Notifier  Notifier // optional
	Approvers []string
	Timeout   time.Duration // default 24h
	Channel   string        // notification channel, default "email"
	Logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		approver:  cfg.Approver,
		notifier:  cfg.Notifier,
		approvers: cfg.Approvers,
		timeout:   cfg.Timeout,
		channel:   cfg.Channel,
		logger:    cfg.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = 24 * time.Hour
	}
	if m.channel == "" {
		m.channel = "email"
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Escalate notifies, then waits for an approval decision bounded by the
// configured timeout. Cancellation of ctx is returned as an error; an elapsed
// timeout is a VerdictTimeout resolution.
func (m *Manager) Escalate(ctx context.Context, e Escalation) (Resolution, error) {
	log := logging.LogWith(ctx, m.logger)
	title := fmt.Sprintf("Escalation: workflow %s, step %s", e.WorkflowID, e.Step)

	if m.notifier != nil {
		_, err := m.notifier.Send(ctx, Notification{
			Channel:    m.channel,
			Recipients: m.approvers,
			Subject:    title,
			Message:    e.Reason,
			Metadata: map[string]any{
				"execution_id": e.ExecutionID,
				"workflow_id":  e.WorkflowID,
				"step":         e.Step,
				"priority":     e.Priority,
			},
		})
		if err != nil {
			log.Warn("escalation notification failed", "error", err)
		}
	}

	req := ApprovalRequest{
		ID:          "approval_" + uuid.New().String(),
		ExecutionID: e.ExecutionID,
		WorkflowID:  e.WorkflowID,
		Step:        e.Step,
		Title:       title,
		Description: e.Reason,
		Approvers:   m.approvers,
		Timeout:     m.timeout,
		Context: map[string]any{
			"error":     e.Error,
			"priority":  e.Priority,
			"variables": e.Variables,
		},
		CreatedAt: time.Now(),
	}
	decision, err := RequestWithTimeout(ctx, m.approver, req)
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		log.Warn("escalation timed out", "approval_id", req.ID, "timeout", m.timeout)
		return Resolution{Verdict: VerdictTimeout, ApprovalID: req.ID}, nil
	case err != nil:
		return Resolution{ApprovalID: req.ID}, err
	}

	verdict := VerdictRejected
	if decision.Approved {
		verdict = VerdictApproved
	}
	log.Info("escalation resolved", "approval_id", req.ID, "verdict", verdict, "approver", decision.Approver)
	return Resolution{Verdict: verdict, ApprovalID: req.ID, Decision: decision}, nil
}

// ErrApprovalTimeout is returned by RequestWithTimeout when req.Timeout elapses first.
var ErrApprovalTimeout = errors.New("approval timed out")

// RequestWithTimeout calls approver bounded by req.Timeout. Parent
// cancellation is returned as ctx's error; the request's own deadline as
// ErrApprovalTimeout.
func RequestWithTimeout(ctx context.Context, approver Approver, req ApprovalRequest) (ApprovalDecision, error) {
	if approver == nil {
		return ApprovalDecision{}, errors.New("no approver configured")
	}
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeoutCause(ctx, req.Timeout, ErrApprovalTimeout)
		defer cancel()
	}

	decision, err := approver.RequestApproval(reqCtx, req)
	if err == nil {
		return decision, nil
	}
	if ctx.Err() != nil {
		return ApprovalDecision{}, context.Cause(ctx)
	}
	if errors.Is(context.Cause(reqCtx), ErrApprovalTimeout) {
		return ApprovalDecision{}, ErrApprovalTimeout
	}
	return ApprovalDecision{}, err
}

var _ Handler = (*Manager)(nil)
