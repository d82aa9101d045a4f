// Package decisions holds the decision strategy registry consulted by decision steps.
// Strategies are registered by name; the engine never switches on decision types.
package decisions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Strategy produces a decision from step parameters and the execution's variables.
type Strategy interface {
	Decide(ctx context.Context, params, vars map[string]any) (map[string]any, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, params, vars map[string]any) (map[string]any, error)

// Decide calls f.
func (f StrategyFunc) Decide(ctx context.Context, params, vars map[string]any) (map[string]any, error) {
	return f(ctx, params, vars)
}

// Registry is a thread-safe map of decision type to Strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register associates decisionType with s. Returns CONFLICT on duplicate name.
func (r *Registry) Register(decisionType string, s Strategy) error {
	if s == nil {
		return schema.NewError(schema.ErrCodeValidation, "strategy is nil")
	}
	if decisionType == "" {
		return schema.NewError(schema.ErrCodeValidation, "decision type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[decisionType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "decision type %q already registered", decisionType)
	}
	r.strategies[decisionType] = s
	return nil
}

// Decide dispatches to the strategy registered under decisionType.
func (r *Registry) Decide(ctx context.Context, decisionType string, params, vars map[string]any) (map[string]any, error) {
	r.mu.RLock()
	s, ok := r.strategies[decisionType]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownDecisionType, "unknown decision type %q", decisionType).
			WithDetails(map[string]any{"decision_type": decisionType, "registered": r.Types()})
	}
	if params == nil {
		params = map[string]any{}
	}
	return s.Decide(ctx, params, vars)
}

// Has reports whether decisionType is registered.
func (r *Registry) Has(decisionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[decisionType]
	return ok
}

// Types returns the registered decision types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
