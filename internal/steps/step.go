// Package steps executes single workflow steps. Handlers are registered per
// step type; the Executor times them and classifies their failures.
package steps

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowpilot/internal/variables"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Request is everything a handler sees for one step attempt.
// Vars is a snapshot of the execution's variables; handlers must not mutate it.
type Request struct {
	ExecutionID string
	WorkflowID  string
	StepIndex   int
	Step        schema.Step
	Vars        variables.Map
	Priority    string
}

// Config returns the step config, never nil.
func (r Request) Config() map[string]any {
	if r.Step.Config == nil {
		return map[string]any{}
	}
	return r.Step.Config
}

// Outcome is a handler's output. Escalate asks the engine to hand the
// execution to the escalation handler after this step.
type Outcome struct {
	Output   map[string]any
	Escalate bool
	Reason   string
}

// Handler runs one step type. A returned error fails the step; handlers may
// return an Outcome alongside the error to expose partial output.
type Handler interface {
	Type() schema.StepType
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// ConfigValidator is implemented by handlers that can check a step's config
// at registration time.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Registry maps step types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.StepType]Handler)}
}

// Register adds h. Returns CONFLICT when its type is already handled.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for step type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Get returns the handler for t. Unknown types are DEFINITION_ERROR.
func (r *Registry) Get(t schema.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown step type %q", t)
	}
	return h, nil
}

// Types lists the handled step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateStep checks that the step type is handled and, when the handler
// supports it, that its config is well formed.
func (r *Registry) ValidateStep(step schema.Step) error {
	h, err := r.Get(step.Type)
	if err != nil {
		return err
	}
	if v, ok := h.(ConfigValidator); ok {
		if err := v.ValidateConfig(step.Config); err != nil {
			return schema.ToFlowError(err, schema.ErrCodeDefinition)
		}
	}
	return nil
}
