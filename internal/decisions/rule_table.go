package decisions

import (
	"context"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// RuleTableStrategy evaluates an ordered table of CEL rows. The first row whose
// `when` predicate holds returns its `decision` map.
//
//	parameters:
//	  rows:
//	    - when: params.weight > 1000 && vars.region == "EU"
//	      decision: {carrier: DHL, mode: road}
//	  default: {carrier: local}
type RuleTableStrategy struct {
	cel *expressions.CELEngine
}

// NewRuleTableStrategy creates a rule_table strategy backed by cel.
func NewRuleTableStrategy(cel *expressions.CELEngine) *RuleTableStrategy {
	return &RuleTableStrategy{cel: cel}
}

func (s *RuleTableStrategy) Decide(ctx context.Context, params, vars map[string]any) (map[string]any, error) {
	rows, err := tableRows(params["rows"])
	if err != nil {
		return nil, err
	}

	data := map[string]any{"params": params, "vars": vars}
	for i, row := range rows {
		when, _ := row["when"].(string)
		if when == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule_table row %d has no when predicate", i)
		}
		ok, err := s.cel.EvaluateBool(ctx, when, data)
		if err != nil {
			return nil, err
		}
		if ok {
			return decisionOutput(row["decision"], i), nil
		}
	}

	if def, ok := params["default"]; ok {
		return decisionOutput(def, -1), nil
	}
	return map[string]any{"matched_row": -1}, nil
}

func tableRows(raw any) ([]map[string]any, error) {
	switch rows := raw.(type) {
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for i, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule_table row %d must be an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	case nil:
		return nil, schema.NewError(schema.ErrCodeDefinition, "rule_table requires parameters.rows")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule_table rows must be a list, got %T", raw)
	}
}

func decisionOutput(decision any, row int) map[string]any {
	out := map[string]any{"matched_row": row}
	switch d := decision.(type) {
	case map[string]any:
		for k, v := range d {
			out[k] = v
		}
	case nil:
	default:
		out["decision"] = d
	}
	return out
}
