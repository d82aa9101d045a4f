package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Aggregate operations supported by the aggregate transform.
const (
	AggregateSum   = "sum"
	AggregateAvg   = "avg"
	AggregateMax   = "max"
	AggregateMin   = "min"
	AggregateCount = "count"
)

// aggregatePrograms maps an aggregate operation to its expr source.
// Every program reads a single []float64 named values.
var aggregatePrograms = map[string]string{
	AggregateSum:   "sum(values)",
	AggregateAvg:   "sum(values) / len(values)",
	AggregateMax:   "max(values)",
	AggregateMin:   "min(values)",
	AggregateCount: "len(values)",
}

// ExprEngine runs expr-lang programs. It backs numeric aggregation over arrays.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with data
// as the environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Aggregate applies op to values. Empty input yields 0 for sum and count
// and nil for the others.
func (e *ExprEngine) Aggregate(ctx context.Context, op string, values []float64) (any, error) {
	source, ok := aggregatePrograms[op]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"unknown aggregate operation %q", op).
			WithDetails(map[string]any{"operation": op, "supported": SupportedAggregates()})
	}
	if len(values) == 0 {
		switch op {
		case AggregateSum:
			return 0.0, nil
		case AggregateCount:
			return 0, nil
		default:
			return nil, nil
		}
	}
	return e.Evaluate(ctx, source, map[string]any{"values": values})
}

// SupportedAggregates lists the aggregate operation names.
func SupportedAggregates() []string {
	return []string{AggregateSum, AggregateAvg, AggregateMax, AggregateMin, AggregateCount}
}

func (e *ExprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
