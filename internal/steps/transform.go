package steps

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/internal/variables"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Transformation types.
const (
	TransformMap       = "map"
	TransformFormat    = "format"
	TransformCalculate = "calculate"
	TransformAggregate = "aggregate"
	TransformJQ        = "jq"
)

// TransformHandler applies config.transformations in order. Later
// transformations see the targets written by earlier ones.
type TransformHandler struct {
	rules *rules.Evaluator
	expr  *expressions.ExprEngine
	jq    *expressions.GoJQEngine
}

// NewTransformHandler creates a data_transformation handler.
func NewTransformHandler(evaluator *rules.Evaluator, expr *expressions.ExprEngine, jq *expressions.GoJQEngine) *TransformHandler {
	return &TransformHandler{rules: evaluator, expr: expr, jq: jq}
}

func (h *TransformHandler) Type() schema.StepType { return schema.StepTypeDataTransformation }

type transformation struct {
	Type       string
	Source     string
	Target     string
	Format     string
	Expression string
	Operation  string
	Field      string
}

func (h *TransformHandler) ValidateConfig(config map[string]any) error {
	list, err := parseTransformations(config)
	if err != nil {
		return err
	}
	for i, t := range list {
		var err error
		switch t.Type {
		case TransformCalculate:
			_, err = h.rules.Compile(t.Expression)
		case TransformJQ:
			err = h.jq.Compile(t.Expression)
		}
		if err != nil {
			return schema.ToFlowError(err, schema.ErrCodeDefinition).
				WithDetails(map[string]any{"transformation": i})
		}
	}
	return nil
}

func (h *TransformHandler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	list, err := parseTransformations(req.Config())
	if err != nil {
		return nil, err
	}

	result := map[string]any{}
	view := variables.Overlay{Top: result, Base: req.Vars}

	for i, t := range list {
		v, err := h.apply(ctx, t, view, req.Vars, result)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok {
				return nil, fe.WithDetails(map[string]any{"transformation": i, "target": t.Target})
			}
			return nil, err
		}
		result[t.Target] = v
	}
	return &Outcome{Output: result}, nil
}

func (h *TransformHandler) apply(ctx context.Context, t transformation, view variables.Resolver, vars variables.Map, result map[string]any) (any, error) {
	switch t.Type {
	case TransformMap:
		return view.Lookup(t.Source), nil
	case TransformFormat:
		return formatValue(view.Lookup(t.Source), t.Format)
	case TransformCalculate:
		return h.rules.Evaluate(t.Expression, view)
	case TransformAggregate:
		values, ok, err := numbers(view.Lookup(t.Source), t.Field)
		if err != nil || !ok {
			return nil, err
		}
		return h.expr.Aggregate(ctx, t.Operation, values)
	case TransformJQ:
		input := make(map[string]any, len(vars)+len(result))
		for k, v := range vars {
			input[k] = v
		}
		for k, v := range result {
			input[k] = v
		}
		return h.jq.Evaluate(ctx, t.Expression, input)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown transformation type %q", t.Type)
	}
}

func parseTransformations(config map[string]any) ([]transformation, error) {
	raw, ok := config["transformations"].([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeDefinition, "data_transformation requires config.transformations")
	}
	out := make([]transformation, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "transformation %d must be an object", i)
		}
		t := transformation{
			Type:       stringParam(m, "type", ""),
			Source:     stringParam(m, "source", ""),
			Target:     stringParam(m, "target", ""),
			Format:     stringParam(m, "format", ""),
			Expression: stringParam(m, "expression", ""),
			Operation:  stringParam(m, "operation", ""),
			Field:      stringParam(m, "field", ""),
		}
		if t.Target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "transformation %d has no target", i)
		}
		switch t.Type {
		case TransformMap, TransformFormat:
			if t.Source == "" {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s transformation %d has no source", t.Type, i)
			}
		case TransformAggregate:
			if t.Source == "" || t.Operation == "" {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "aggregate transformation %d needs source and operation", i)
			}
		case TransformCalculate, TransformJQ:
			if t.Expression == "" {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s transformation %d has no expression", t.Type, i)
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown transformation type %q", t.Type)
		}
		out = append(out, t)
	}
	return out, nil
}

// numbers converts an array source into floats, plucking field from objects
// when set. A non-array source reports ok=false.
func numbers(src any, field string) ([]float64, bool, error) {
	var items []any
	switch l := src.(type) {
	case []any:
		items = l
	case []float64:
		return l, true, nil
	case []map[string]any:
		items = make([]any, len(l))
		for i, m := range l {
			items[i] = m
		}
	default:
		return nil, false, nil
	}

	out := make([]float64, 0, len(items))
	for i, item := range items {
		if field != "" {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false, schema.NewErrorf(schema.ErrCodeStepExecution, "aggregate item %d is not an object", i)
			}
			item = variables.LookupPath(m, field)
		}
		f, ok := rules.ToNumber(item, true)
		if !ok {
			return nil, false, schema.NewErrorf(schema.ErrCodeStepExecution,
				"aggregate item %d is not numeric: %v", i, item)
		}
		out = append(out, f)
	}
	return out, true, nil
}

// formatValue renders v per format. Unknown formats pass the value through.
func formatValue(v any, format string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch format {
	case "currency":
		f, ok := rules.ToNumber(v, true)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "cannot format %v as currency", v)
		}
		return formatUSD(f), nil
	case "date", "datetime":
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		if format == "date" {
			return t.Format("2006-01-02"), nil
		}
		return t.Format(time.RFC3339), nil
	case "uppercase":
		return strings.ToUpper(rules.FormatValue(v)), nil
	case "lowercase":
		return strings.ToLower(rules.FormatValue(v)), nil
	default:
		return v, nil
	}
}

// formatUSD renders f as en-US currency: $1,234.50, -$12.00.
func formatUSD(f float64) string {
	neg := f < 0
	cents := int64(math.Round(math.Abs(f) * 100))
	whole := strconv.FormatInt(cents/100, 10)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	fmt.Fprintf(&b, ".%02d", cents%100)
	return b.String()
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
	default:
		// Numbers are Unix milliseconds.
		if ms, ok := rules.ToNumber(v, false); ok {
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
	}
	return time.Time{}, schema.NewErrorf(schema.ErrCodeStepExecution, "cannot interpret %v as a time", v)
}
