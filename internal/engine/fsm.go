package engine

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rendis/flowpilot/pkg/schema"
)

// TransitionHook is called before or after an execution state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

// EventAppender receives execution events. Satisfied by the streaming hub,
// the libSQL event log and the in-memory store.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Appenders fans one event out to several appenders. Each appender gets its
// own copy; a failing appender does not stop the others.
type Appenders []EventAppender

func (a Appenders) AppendEvent(ctx context.Context, event *schema.Event) error {
	var errs []error
	for _, app := range a {
		if app == nil {
			continue
		}
		ev := *event
		if err := app.AppendEvent(ctx, &ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// matching event for each one. It holds no per-execution state: the caller
// owns the current status.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error vetoes it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the transition event.
// ev carries the execution identity, sequence number and data; its Type is
// set from the target status. An emit failure is returned as STORE_ERROR
// after the after-hooks ran: the transition itself has happened.
func (f *ExecutionFSM) Transition(ctx context.Context, ev schema.Event, from, to schema.ExecutionStatus) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithExecution(ev.ExecutionID).
			WithWorkflow(ev.WorkflowID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, ev.ExecutionID, from, to); err != nil {
			return err
		}
	}

	var emitErr error
	if eventType := transitionEventType(to); eventType != "" && f.appender != nil {
		ev.Type = eventType
		if err := f.appender.AppendEvent(ctx, &ev); err != nil {
			emitErr = schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).
				WithExecution(ev.ExecutionID).
				WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(ctx, ev.ExecutionID, from, to); err != nil {
			return err
		}
	}
	return emitErr
}

// IsValidTransition reports whether the lifecycle table allows from -> to.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

func transitionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// ValidTransitions defines the allowed execution state transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}
