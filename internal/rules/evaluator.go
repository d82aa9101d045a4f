package rules

import (
	"sync"

	"github.com/rendis/flowpilot/internal/variables"
	"github.com/rendis/flowpilot/pkg/schema"
)

// maxCachedPrograms bounds the parse cache; it is cleared when full.
const maxCachedPrograms = 4096

// Evaluator parses expressions once and caches the AST.
// Thread-safe: cached programs are immutable and shared across executions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]Node
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]Node)}
}

// Compile parses expr, or returns the cached AST.
func (e *Evaluator) Compile(expr string) (Node, error) {
	e.mu.RLock()
	if n, ok := e.cache[expr]; ok {
		e.mu.RUnlock()
		return n, nil
	}
	e.mu.RUnlock()

	n, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.cache[expr]; ok {
		return cached, nil
	}
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]Node)
	}
	e.cache[expr] = n
	return n, nil
}

// Evaluate compiles and evaluates expr against vars.
func (e *Evaluator) Evaluate(expr string, vars variables.Resolver) (any, error) {
	n, err := e.Compile(expr)
	if err != nil {
		return nil, err
	}
	v, err := Eval(n, vars)
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return nil, fe.WithDetails(map[string]any{"expression": expr})
		}
		return nil, err
	}
	return v, nil
}

// EvaluateBool evaluates expr and reduces the result to its truthiness.
func (e *Evaluator) EvaluateBool(expr string, vars variables.Resolver) (bool, error) {
	v, err := e.Evaluate(expr, vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}
