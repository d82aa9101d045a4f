package validation

import (
	"github.com/rendis/flowpilot/pkg/schema"
)

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step names, conditions, handler config, triggers)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	steps      StepChecker
	conditions ConditionCompiler
}

// NewWorkflowValidator creates a WorkflowValidator.
// Either checker may be nil to skip those checks.
func NewWorkflowValidator(stepsCheck StepChecker, conds ConditionCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		steps:      stepsCheck,
		conditions: conds,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(wf, wv.steps, wv.conditions))
	return result
}

// ValidateDefinition returns the pipeline result as a DEFINITION_ERROR, or nil.
func (wv *WorkflowValidator) ValidateDefinition(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// JSONSchema exposes the structural validator for raw documents.
func (wv *WorkflowValidator) JSONSchema() *JSONSchemaValidator {
	return wv.jsonSchema
}

// validateStructural converts JSONSchemaValidator output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(wf)
	if err == nil {
		return result
	}

	fe, ok := schema.AsFlowError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeDefinition, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeDefinition, fe.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
