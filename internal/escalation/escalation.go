// Package escalation connects executions to people: approval requests,
// escalations and outbound notifications.
package escalation

import (
	"context"
	"time"
)

// ApprovalRequest asks a human (or a stand-in) to approve or reject.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Step        string         `json:"step,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Approvers   []string       `json:"approvers,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ApprovalDecision is the answer to an ApprovalRequest.
type ApprovalDecision struct {
	Approved  bool      `json:"approved"`
	Approver  string    `json:"approver,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approver obtains a decision for a request. Implementations block until a
// decision is made or ctx is done; callers bound the wait with the request timeout.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// Notification is an outbound message.
type Notification struct {
	Channel    string         `json:"channel"`
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject,omitempty"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Delivery reports what happened to a Notification.
type Delivery struct {
	Delivered bool   `json:"delivered"`
	Channel   string `json:"channel"`
}

// Notifier delivers notifications. Delivery failures are reported but callers
// treat them as non-fatal unless configured otherwise.
type Notifier interface {
	Send(ctx context.Context, n Notification) (Delivery, error)
}
