package schema

import "time"

// Execution metadata defaults.
const (
	DefaultTriggeredBy = "system"
	DefaultPriority    = "normal"
)

// StepResult is the immutable record of one step attempt.
type StepResult struct {
	StepName   string         `json:"step_name"`
	Type       StepType       `json:"type"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ExecutionMetadata describes who started an execution and how urgent it is.
type ExecutionMetadata struct {
	TriggeredBy string `json:"triggered_by"`
	Priority    string `json:"priority"`
}

// ExecutionResult is returned by Execute. On Completed, Output holds the final
// variables; on Failed, Error explains why and StepResults show how far it got.
type ExecutionResult struct {
	ExecutionID     string            `json:"execution_id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion string            `json:"workflow_version"`
	Status          ExecutionStatus   `json:"status"`
	Output          map[string]any    `json:"output,omitempty"`
	Error           *FlowError        `json:"error,omitempty"`
	StepResults     []StepResult      `json:"step_results"`
	Metadata        ExecutionMetadata `json:"metadata"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
	DurationMs      int64             `json:"duration_ms"`
}

// Succeeded reports whether the execution completed.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == ExecutionStatusCompleted
}

// ExecutionSummary is the compact form of an execution kept in history
// and reported for active executions.
type ExecutionSummary struct {
	ExecutionID     string          `json:"execution_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion string          `json:"workflow_version"`
	Status          ExecutionStatus `json:"status"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time,omitzero"`
	DurationMs      int64           `json:"duration_ms"`
	StepCount       int             `json:"step_count"`
	CurrentStep     int             `json:"current_step"`
	ErrorStep       string          `json:"error_step,omitempty"`
	Error           string          `json:"error,omitempty"`
	TriggeredBy     string          `json:"triggered_by"`
	Priority        string          `json:"priority"`
}

// WorkflowMetrics aggregates the tracked executions of one workflow.
type WorkflowMetrics struct {
	Executions        int     `json:"executions"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// AggregateMetrics is a snapshot over the tracked execution window.
type AggregateMetrics struct {
	TotalExecutions   int                        `json:"total_executions"`
	SuccessRate       float64                    `json:"success_rate"`
	AverageDurationMs float64                    `json:"average_duration_ms"`
	Workflows         map[string]WorkflowMetrics `json:"workflows"`
}
