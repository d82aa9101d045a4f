// Package expressions hosts the sandboxed auxiliary expression engines.
//
// Step conditions never run here; they use the restricted grammar in
// internal/rules. These engines serve configuration that explicitly opts in:
// CEL for rule_table decisions, jq for jq transforms and expr for aggregates.
// None of them can reach the filesystem, network or environment.
package expressions

import "context"

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
