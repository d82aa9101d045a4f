package steps

import (
	"context"

	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/pkg/schema"
)

// EscalateAction is the rule action that hands the execution to escalation.
const EscalateAction = "escalate"

// RuleEvaluationHandler runs config.rules through the rule evaluator.
// Every matching rule contributes {action: priority|value|true} to the output;
// the first match also sets action and priority.
type RuleEvaluationHandler struct {
	rules *rules.Evaluator
}

// NewRuleEvaluationHandler creates a rule_evaluation handler.
func NewRuleEvaluationHandler(evaluator *rules.Evaluator) *RuleEvaluationHandler {
	return &RuleEvaluationHandler{rules: evaluator}
}

func (h *RuleEvaluationHandler) Type() schema.StepType { return schema.StepTypeRuleEvaluation }

type rule struct {
	Condition string
	Action    string
	Priority  any
	Value     any
}

func (h *RuleEvaluationHandler) ValidateConfig(config map[string]any) error {
	list, err := parseRules(config)
	if err != nil {
		return err
	}
	for i, r := range list {
		if _, err := h.rules.Compile(r.Condition); err != nil {
			return schema.ToFlowError(err, schema.ErrCodeDefinition).
				WithDetails(map[string]any{"rule": i})
		}
	}
	return nil
}

func (h *RuleEvaluationHandler) Execute(_ context.Context, req Request) (*Outcome, error) {
	list, err := parseRules(req.Config())
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	var matched []any
	escalate := false
	for _, r := range list {
		ok, err := h.rules.EvaluateBool(r.Condition, req.Vars)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		result := r.Priority
		if result == nil {
			result = r.Value
		}
		if result == nil {
			result = true
		}
		out[r.Action] = result
		if len(matched) == 0 {
			out["action"] = r.Action
			if r.Priority != nil {
				out["priority"] = r.Priority
			}
		}
		matched = append(matched, r.Action)
		if r.Action == EscalateAction {
			escalate = true
		}
	}
	out["matched_rules"] = matched
	if matched == nil {
		out["matched_rules"] = []any{}
	}

	o := &Outcome{Output: out, Escalate: escalate}
	if escalate {
		o.Reason = "rule requested escalation"
	}
	return o, nil
}

func parseRules(config map[string]any) ([]rule, error) {
	raw, ok := config["rules"].([]any)
	if !ok {
		if typed, ok := config["rules"].([]map[string]any); ok {
			raw = make([]any, len(typed))
			for i, m := range typed {
				raw[i] = m
			}
		} else {
			return nil, schema.NewError(schema.ErrCodeDefinition, "rule_evaluation requires config.rules")
		}
	}

	out := make([]rule, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule %d must be an object", i)
		}
		r := rule{
			Condition: stringParam(m, "condition", ""),
			Action:    stringParam(m, "action", ""),
			Priority:  m["priority"],
			Value:     m["value"],
		}
		if r.Condition == "" || r.Action == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule %d needs condition and action", i)
		}
		out = append(out, r)
	}
	return out, nil
}
