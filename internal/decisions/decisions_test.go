package decisions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// fixedSource returns constant values.
type fixedSource struct {
	f float64
	n int
}

func (s fixedSource) Float64() float64 { return s.f }
func (s fixedSource) IntN(n int) int {
	if s.n >= n {
		return n - 1
	}
	return s.n
}

func TestRegistry_RegisterAndDecide(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", StrategyFunc(func(_ context.Context, params, _ map[string]any) (map[string]any, error) {
		return map[string]any{"got": params["x"]}, nil
	})))

	out, err := r.Decide(context.Background(), "echo", map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out["got"])
	assert.True(t, r.Has("echo"))
	assert.Equal(t, []string{"echo"}, r.Types())
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	noop := StrategyFunc(func(context.Context, map[string]any, map[string]any) (map[string]any, error) { return nil, nil })

	require.NoError(t, r.Register("a", noop))
	assert.True(t, schema.HasCode(r.Register("a", noop), schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(r.Register("", noop), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.Register("b", nil), schema.ErrCodeValidation))

	_, err := r.Decide(context.Background(), "missing", nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownDecisionType))
}

func TestRegisterBuiltins(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinOptions{Source: NewSeededSource(1), CEL: cel}))
	assert.Equal(t, []string{TypeCostOptimization, TypeMitigationStrategy, TypeOptimalPickupTime, TypeRuleTable}, r.Types())

	// Registering twice conflicts.
	assert.Error(t, RegisterBuiltins(r, BuiltinOptions{}))
}

func TestPickupTimeStrategy(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s := &PickupTimeStrategy{Source: fixedSource{f: 0.5}, Now: func() time.Time { return now }}

	out, err := s.Decide(context.Background(), map[string]any{"urgency": "HIGH"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T14:00:00Z", out["pickupTime"])
	assert.Equal(t, 150, out["estimatedCost"])
	assert.Equal(t, 0.85, out["confidence"])

	out, err = s.Decide(context.Background(), map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02T14:00:00Z", out["pickupTime"])
	assert.Equal(t, 75, out["estimatedCost"])
}

func TestMitigationStrategy(t *testing.T) {
	s := &MitigationStrategy{Source: fixedSource{n: 1}}

	tests := []struct {
		name    string
		factors any
		action  string
		param   string
	}{
		{"port congestion", []any{map[string]any{"type": "port_congestion"}}, "alternative_port", "alternatePort"},
		{"weather", []any{map[string]any{"type": "weather"}, map[string]any{"type": "documentation"}}, "route_adjustment", "newRoute"},
		{"documentation as string", []string{"documentation"}, "expedite_customs", "priority"},
		{"unknown", []any{map[string]any{"type": "strike"}}, "none", ""},
		{"absent", nil, "none", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := s.Decide(context.Background(), map[string]any{"delayFactors": tc.factors}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.action, out["mitigationAction"])
			assert.Equal(t, 2, out["expectedDelaySaving"])
			params := out["mitigationParameters"].(map[string]any)
			if tc.param != "" {
				assert.Contains(t, params, tc.param)
			} else {
				assert.Empty(t, params)
			}
		})
	}
}

func TestCostOptimizationStrategy(t *testing.T) {
	s := &CostOptimizationStrategy{Source: fixedSource{f: 0.9, n: 300}}
	out, err := s.Decide(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 500, out["potentialSavings"])
	assert.Equal(t, "carrier_change", out["optimizationType"])
	assert.Equal(t, "Switch to carrier change for $500 savings", out["recommendation"])
}

func TestSeededSource_Deterministic(t *testing.T) {
	a, b := NewSeededSource(42), NewSeededSource(42)
	for range 5 {
		assert.Equal(t, a.IntN(100), b.IntN(100))
	}
}

func TestRuleTableStrategy(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	s := NewRuleTableStrategy(cel)
	ctx := context.Background()

	params := map[string]any{
		"weight": 1500,
		"rows": []any{
			map[string]any{"when": `params.weight > 2000`, "decision": map[string]any{"carrier": "freight"}},
			map[string]any{"when": `params.weight > 1000 && vars.region == "EU"`, "decision": map[string]any{"carrier": "DHL"}},
		},
		"default": map[string]any{"carrier": "local"},
	}

	out, err := s.Decide(ctx, params, map[string]any{"region": "EU"})
	require.NoError(t, err)
	assert.Equal(t, "DHL", out["carrier"])
	assert.Equal(t, 1, out["matched_row"])

	out, err = s.Decide(ctx, params, map[string]any{"region": "US"})
	require.NoError(t, err)
	assert.Equal(t, "local", out["carrier"])
	assert.Equal(t, -1, out["matched_row"])
}

func TestRuleTableStrategy_Errors(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	s := NewRuleTableStrategy(cel)
	ctx := context.Background()

	_, err = s.Decide(ctx, map[string]any{}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))

	_, err = s.Decide(ctx, map[string]any{"rows": []any{"oops"}}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))

	_, err = s.Decide(ctx, map[string]any{"rows": []any{map[string]any{"when": "params.x >"}}}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))
}
