package validation

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowpilot/internal/steps"
	"github.com/rendis/flowpilot/pkg/schema"
)

// SchedulePrefix marks a trigger as a cron schedule, e.g. "schedule:*/5 * * * *".
const SchedulePrefix = "schedule:"

// validateSemantic performs the checks JSON Schema cannot express: unique step
// names, parsable conditions, handler-level config, failure handler targets,
// trigger syntax and literal wait durations.
func validateSemantic(wf *schema.Workflow, stepsCheck StepChecker, conds ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(wf.Steps))
	for i := range wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		step := wf.Steps[i]

		if prev, dup := seen[step.Name]; dup {
			result.AddError(path+".name", schema.ErrCodeDefinition,
				fmt.Sprintf("duplicate step name %q (also steps[%d])", step.Name, prev))
		} else {
			seen[step.Name] = i
		}

		if step.Condition != "" && conds != nil {
			if err := conds.CompileCondition(step.Condition); err != nil {
				result.AddError(path+".condition", errorCode(err, schema.ErrCodeCondition), errorMessage(err))
			}
		}

		if stepsCheck != nil {
			validateStepConfig(step, path, stepsCheck, result)
		}

		if step.OnFailure != nil {
			validateFailureHandler(wf, step.OnFailure, path+".on_failure", result)
			if step.ContinueOnError {
				result.AddWarning(path+".continue_on_error", schema.ErrCodeDefinition,
					"continue_on_error is ignored when on_failure is set")
			}
		}

		if step.Type == schema.StepTypeWait {
			validateWaitDuration(step, path, result)
		}
	}

	for i, trigger := range wf.Triggers {
		validateTrigger(trigger, fmt.Sprintf("triggers[%d]", i), result)
	}
	return result
}

func validateStepConfig(step schema.Step, path string, check StepChecker, result *schema.ValidationResult) {
	err := check.ValidateStep(step)
	if err == nil {
		return
	}
	// Decision strategies may be registered after the workflow; the step
	// fails at execution time if the type is still unknown.
	if schema.HasCode(err, schema.ErrCodeUnknownDecisionType) {
		result.AddWarning(path+".config", schema.ErrCodeUnknownDecisionType, errorMessage(err))
		return
	}
	result.AddError(path+".config", errorCode(err, schema.ErrCodeDefinition), errorMessage(err))
}

func validateFailureHandler(wf *schema.Workflow, fh *schema.FailureHandler, path string, result *schema.ValidationResult) {
	switch fh.Action {
	case schema.FailureActionRunWorkflow:
		if fh.Workflow == wf.ID {
			result.AddWarning(path+".workflow", schema.ErrCodeDefinition,
				fmt.Sprintf("workflow %q runs itself on failure", wf.ID))
		}
	case schema.FailureActionNotify:
		if len(fh.Recipients) == 0 {
			result.AddWarning(path+".recipients", schema.ErrCodeDefinition,
				"notify failure handler has no recipients")
		}
	}
}

func validateWaitDuration(step schema.Step, path string, result *schema.ValidationResult) {
	raw, ok := step.Config["duration"].(string)
	if !ok || strings.Contains(raw, "${") {
		return
	}
	if _, ok := steps.ParseWaitDuration(raw); !ok {
		result.AddWarning(path+".config.duration", schema.ErrCodeDefinition,
			fmt.Sprintf("duration %q does not match <number><ms|s|m|h|d>, 1s will be used", raw))
	}
}

func validateTrigger(trigger, path string, result *schema.ValidationResult) {
	spec, ok := strings.CutPrefix(trigger, SchedulePrefix)
	if !ok {
		return
	}
	if _, err := cron.ParseStandard(strings.TrimSpace(spec)); err != nil {
		result.AddError(path, schema.ErrCodeDefinition, fmt.Sprintf("invalid cron schedule %q: %v", spec, err))
	}
}

func errorCode(err error, fallback string) string {
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.Code
	}
	return fallback
}

func errorMessage(err error) string {
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.Message
	}
	return err.Error()
}
