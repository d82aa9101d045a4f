package steps

import (
	"context"

	"github.com/rendis/flowpilot/internal/decisions"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DecisionHandler forwards decision steps to the strategy registry.
//
//	config:
//	  decision_type: mitigation_strategy
//	  parameters: {delayFactors: "${delayFactors}"}
//	  output_key: mitigation   # optional, nests the decision
type DecisionHandler struct {
	decisions *decisions.Registry
}

// NewDecisionHandler creates a decision handler.
func NewDecisionHandler(registry *decisions.Registry) *DecisionHandler {
	return &DecisionHandler{decisions: registry}
}

func (h *DecisionHandler) Type() schema.StepType { return schema.StepTypeDecision }

func decisionType(config map[string]any) string {
	if t := stringParam(config, "decision_type", ""); t != "" {
		return t
	}
	return stringParam(config, "decisionType", "")
}

func (h *DecisionHandler) ValidateConfig(config map[string]any) error {
	t := decisionType(config)
	if t == "" {
		return schema.NewError(schema.ErrCodeDefinition, "decision requires config.decision_type")
	}
	if !h.decisions.Has(t) {
		return schema.NewErrorf(schema.ErrCodeUnknownDecisionType, "unknown decision type %q", t)
	}
	return nil
}

func (h *DecisionHandler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	config := req.Config()
	t := decisionType(config)
	if t == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "decision requires config.decision_type")
	}

	params, _ := rules.InterpolateValue(mapParam(config, "parameters"), req.Vars).(map[string]any)
	decision, err := h.decisions.Decide(ctx, t, params, req.Vars)
	if err != nil {
		return nil, err
	}

	o := &Outcome{Output: decision}
	if esc, _ := decision["escalate"].(bool); esc {
		o.Escalate = true
		o.Reason = "decision " + t + " requested escalation"
	}
	if key := stringParam(config, "output_key", ""); key != "" {
		o.Output = map[string]any{key: decision}
	}
	return o, nil
}
