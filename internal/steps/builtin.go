package steps

import (
	"log/slog"

	"github.com/rendis/flowpilot/internal/decisions"
	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/rules"
)

// BuiltinDeps are the collaborators the built-in handlers need.
type BuiltinDeps struct {
	Rules     *rules.Evaluator
	Decisions *decisions.Registry
	Notifier  escalation.Notifier
	Approver  escalation.Approver
	Expr      *expressions.ExprEngine
	JQ        *expressions.GoJQEngine
	HTTP      HTTPConfig
	Logger    *slog.Logger
}

// RegisterBuiltins registers a handler for every built-in step type.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if deps.Rules == nil {
		deps.Rules = rules.NewEvaluator()
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.Decisions == nil {
		deps.Decisions = decisions.NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = &escalation.LogNotifier{Logger: deps.Logger}
	}

	apiCall, err := NewAPICallHandler(deps.HTTP, deps.Logger)
	if err != nil {
		return err
	}

	all := []Handler{
		NewRuleEvaluationHandler(deps.Rules),
		NewDecisionHandler(deps.Decisions),
		apiCall,
		NewNotificationHandler(deps.Notifier, deps.Logger),
		NewTransformHandler(deps.Rules, deps.Expr, deps.JQ),
		NewWaitHandler(deps.Logger),
		NewApprovalHandler(deps.Approver),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
