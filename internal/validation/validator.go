package validation

import "github.com/rendis/flowpilot/pkg/schema"

// Validator checks workflow definitions before they are registered.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
}

// StepChecker validates a step against the registered step handlers.
// steps.Registry implements it.
type StepChecker interface {
	ValidateStep(step schema.Step) error
}

// ConditionCompiler parses restricted expressions without evaluating them.
type ConditionCompiler interface {
	CompileCondition(expr string) error
}

// ConditionCompilerFunc adapts a function to ConditionCompiler.
type ConditionCompilerFunc func(expr string) error

func (f ConditionCompilerFunc) CompileCondition(expr string) error { return f(expr) }
