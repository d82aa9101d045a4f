package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition          = "DEFINITION_ERROR"
	ErrCodeCondition           = "CONDITION_ERROR"
	ErrCodeParse               = "PARSE_ERROR"
	ErrCodeUnsupportedOperator = "UNSUPPORTED_OPERATOR"
	ErrCodeStepExecution       = "STEP_EXECUTION_ERROR"
	ErrCodeApprovalTimeout     = "APPROVAL_TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeEngineFault         = "ENGINE_FAULT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeDuplicateVersion    = "DUPLICATE_VERSION"
	ErrCodeUnknownDecisionType = "UNKNOWN_DECISION_TYPE"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeShutdown            = "SHUTDOWN"
)

// FlowError is the structured error type for all flowpilot operations.
// StepIndex is -1 when the error is not tied to a step position.
type FlowError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Step        string         `json:"step,omitempty"`
	StepIndex   int            `json:"step_index"`
	Cause       error          `json:"-"`
}

func (e *FlowError) Error() string {
	var where string
	if e.WorkflowID != "" {
		where = fmt.Sprintf(" workflow %s", e.WorkflowID)
	}
	if e.Step != "" {
		where += fmt.Sprintf(" step %q (#%d)", e.Step, e.StepIndex)
	}
	if where != "" {
		return fmt.Sprintf("[%s]%s: %s", e.Code, where, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message, StepIndex: -1}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...), StepIndex: -1}
}

// WithStep attaches a step name and its position in the workflow.
func (e *FlowError) WithStep(name string, index int) *FlowError {
	e.Step = name
	e.StepIndex = index
	return e
}

// WithWorkflow attaches the workflow ID.
func (e *FlowError) WithWorkflow(id string) *FlowError {
	e.WorkflowID = id
	return e
}

// WithExecution attaches the execution ID.
func (e *FlowError) WithExecution(id string) *FlowError {
	e.ExecutionID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// AsFlowError returns the outermost FlowError in err's chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// HasCode reports whether any FlowError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		if fe, ok := err.(*FlowError); ok && fe.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsConditionError reports whether err is a malformed or failing expression.
func IsConditionError(err error) bool {
	return HasCode(err, ErrCodeCondition) ||
		HasCode(err, ErrCodeParse) ||
		HasCode(err, ErrCodeUnsupportedOperator)
}

// ToFlowError returns err as a FlowError, wrapping foreign errors under code.
func ToFlowError(err error, code string) *FlowError {
	if err == nil {
		return nil
	}
	if fe, ok := AsFlowError(err); ok {
		return fe
	}
	return NewError(code, err.Error()).WithCause(err)
}
