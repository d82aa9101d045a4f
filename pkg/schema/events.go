package schema

import "time"

// Event type constants for the execution event log and live stream.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"

	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"

	EventEscalationRequested = "escalation.requested"
	EventApprovalRequested   = "approval.requested"
	EventApprovalResolved    = "approval.resolved"

	EventWatchdogCancelled = "watchdog.cancelled"
)

// Event is one entry of an execution's event stream.
// Seq is assigned by the component that publishes or persists the event.
type Event struct {
	Seq         uint64         `json:"seq"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Step        string         `json:"step,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// StepStatus is the outcome of one step attempt.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)
