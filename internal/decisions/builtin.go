package decisions

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
)

// Built-in decision types.
const (
	TypeOptimalPickupTime  = "optimal_pickup_time"
	TypeMitigationStrategy = "mitigation_strategy"
	TypeCostOptimization   = "cost_optimization"
	TypeRuleTable          = "rule_table"
)

// Source supplies randomness to the built-in strategies. Tests inject a
// seeded source for deterministic output.
type Source interface {
	Float64() float64
	IntN(n int) int
}

// lockedSource serializes access to a *rand.Rand, which is not safe for concurrent use.
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

// NewSeededSource returns a deterministic Source.
func NewSeededSource(seed uint64) Source {
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// BuiltinOptions configures RegisterBuiltins.
type BuiltinOptions struct {
	Source Source
	Now    func() time.Time
	CEL    *expressions.CELEngine // enables rule_table when set
}

// RegisterBuiltins registers the built-in strategies on r.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	src := opts.Source
	if src == nil {
		src = &lockedSource{r: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	builtins := map[string]Strategy{
		TypeOptimalPickupTime:  &PickupTimeStrategy{Source: src, Now: now},
		TypeMitigationStrategy: &MitigationStrategy{Source: src},
		TypeCostOptimization:   &CostOptimizationStrategy{Source: src},
	}
	if opts.CEL != nil {
		builtins[TypeRuleTable] = NewRuleTableStrategy(opts.CEL)
	}
	for name, s := range builtins {
		if err := r.Register(name, s); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// PickupTimeStrategy schedules a pickup: immediately for HIGH urgency, otherwise
// the next day, plus up to 12 hours of slack.
type PickupTimeStrategy struct {
	Source Source
	Now    func() time.Time
}

func (s *PickupTimeStrategy) Decide(_ context.Context, params, _ map[string]any) (map[string]any, error) {
	urgent := strings.EqualFold(stringParam(params, "urgency"), "HIGH")

	base := 24 * time.Hour
	cost := 75
	if urgent {
		base = 0
		cost = 150
	}
	offset := time.Duration(s.Source.Float64() * float64(12*time.Hour))
	pickup := s.Now().Add(base + offset).UTC()

	return map[string]any{
		"pickupTime":    pickup.Format(time.RFC3339),
		"estimatedCost": cost,
		"confidence":    0.85,
		"reasoning":     fmt.Sprintf("Optimized for %s urgency", urgencyLabel(urgent)),
	}, nil
}

func urgencyLabel(urgent bool) string {
	if urgent {
		return "high"
	}
	return "normal"
}

// MitigationStrategy picks a delay mitigation from the first delay factor.
type MitigationStrategy struct {
	Source Source
}

func (s *MitigationStrategy) Decide(_ context.Context, params, _ map[string]any) (map[string]any, error) {
	action := "none"
	parameters := map[string]any{}

	if factor := firstDelayFactor(params); factor != "" {
		switch factor {
		case "port_congestion":
			action = "alternative_port"
			parameters["alternatePort"] = "USLGB"
		case "weather":
			action = "route_adjustment"
			parameters["newRoute"] = "southern_route"
		case "documentation":
			action = "expedite_customs"
			parameters["priority"] = "high"
		}
	}

	return map[string]any{
		"mitigationAction":     action,
		"mitigationParameters": parameters,
		"expectedDelaySaving":  1 + s.Source.IntN(3),
		"confidence":           0.78,
	}, nil
}

// firstDelayFactor reads params.delayFactors[0].type. Plain strings are accepted too.
func firstDelayFactor(params map[string]any) string {
	raw, ok := params["delayFactors"]
	if !ok {
		raw = params["delay_factors"]
	}
	var first any
	switch factors := raw.(type) {
	case []any:
		if len(factors) > 0 {
			first = factors[0]
		}
	case []map[string]any:
		if len(factors) > 0 {
			first = factors[0]
		}
	case []string:
		if len(factors) > 0 {
			first = factors[0]
		}
	}
	switch f := first.(type) {
	case map[string]any:
		t, _ := f["type"].(string)
		return t
	case string:
		return f
	}
	return ""
}

// CostOptimizationStrategy recommends a saving between 200 and 1200.
type CostOptimizationStrategy struct {
	Source Source
}

func (s *CostOptimizationStrategy) Decide(_ context.Context, _, _ map[string]any) (map[string]any, error) {
	savings := 200 + s.Source.IntN(1001)
	optimization := "route_optimization"
	if s.Source.Float64() > 0.5 {
		optimization = "carrier_change"
	}
	return map[string]any{
		"potentialSavings": savings,
		"optimizationType": optimization,
		"recommendation":   fmt.Sprintf("Switch to %s for $%d savings", strings.ReplaceAll(optimization, "_", " "), savings),
		"confidence":       0.82,
	}, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
