package schema

// Workflow is an immutable, versioned definition of an ordered sequence of steps.
// Definitions are loaded from JSON or YAML documents and registered once per (ID, Version).
type Workflow struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string   `json:"version" yaml:"version"`
	Triggers    []string `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Steps       []Step   `json:"steps" yaml:"steps"`
}

// Step describes a single unit of work within a workflow.
type Step struct {
	Name            string          `json:"name" yaml:"name"`
	Type            StepType        `json:"type" yaml:"type"`
	Config          map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Condition       string          `json:"condition,omitempty" yaml:"condition,omitempty"` // restricted expression, evaluated before the step body
	OnFailure       *FailureHandler `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Escalate        bool            `json:"escalate,omitempty" yaml:"escalate,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeDecision           StepType = "decision"
	StepTypeAPICall            StepType = "api_call"
	StepTypeRuleEvaluation     StepType = "rule_evaluation"
	StepTypeNotification       StepType = "notification"
	StepTypeDataTransformation StepType = "data_transformation"
	StepTypeWait               StepType = "wait"
	StepTypeHumanApproval      StepType = "human_approval"
)

// StepTypes lists every built-in step type.
var StepTypes = []StepType{
	StepTypeDecision,
	StepTypeAPICall,
	StepTypeRuleEvaluation,
	StepTypeNotification,
	StepTypeDataTransformation,
	StepTypeWait,
	StepTypeHumanApproval,
}

// FailureAction selects what happens when a step with an on_failure handler fails.
type FailureAction string

const (
	FailureActionEscalate    FailureAction = "escalate"     // hand off to the escalation handler
	FailureActionRunWorkflow FailureAction = "run_workflow" // run another workflow, its outcome is final
	FailureActionNotify      FailureAction = "notify"       // notify and fail
)

// FailureHandler is the on_failure block of a step.
type FailureHandler struct {
	Action     FailureAction `json:"action" yaml:"action"`
	Workflow   string        `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Channel    string        `json:"channel,omitempty" yaml:"channel,omitempty"`
	Recipients []string      `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Message    string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// RetryPolicy configures retries for api_call steps.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Clone returns a deep copy of the workflow so callers can never mutate a registered definition.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Triggers = append([]string(nil), w.Triggers...)
	cp.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.clone()
	}
	return &cp
}

// StepIndex returns the position of the named step, or -1.
func (w *Workflow) StepIndex(name string) int {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

func (s Step) clone() Step {
	cp := s
	if s.Config != nil {
		cp.Config = CloneMap(s.Config)
	}
	if s.OnFailure != nil {
		fh := *s.OnFailure
		fh.Recipients = append([]string(nil), s.OnFailure.Recipients...)
		cp.OnFailure = &fh
	}
	return cp
}

// CloneMap deep-copies nested maps and slices. Scalars are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies v when it is a map or slice.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
