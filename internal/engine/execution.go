package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// execution is the live state of one run. The Variable Context is not kept
// here: it belongs to the goroutine running the steps.
type execution struct {
	id       string
	workflow *schema.Workflow
	input    map[string]any
	meta     schema.ExecutionMetadata
	ctx      context.Context
	cancel   context.CancelCauseFunc
	started  time.Time
	seq      atomic.Uint64
	expired  atomic.Bool

	mu      sync.Mutex
	status  schema.ExecutionStatus
	current int
}

func (x *execution) nextSeq() uint64 {
	return x.seq.Add(1)
}

// event returns a new event for this execution with the next sequence number.
func (x *execution) event(ts time.Time, data map[string]any) schema.Event {
	return schema.Event{
		Seq:         x.nextSeq(),
		ExecutionID: x.id,
		WorkflowID:  x.workflow.ID,
		Data:        data,
		Timestamp:   ts,
	}
}

func (x *execution) setStatus(s schema.ExecutionStatus) {
	x.mu.Lock()
	x.status = s
	x.mu.Unlock()
}

func (x *execution) setCurrent(i int) {
	x.mu.Lock()
	x.current = i
	x.mu.Unlock()
}

// markExpired reports true only the first time it is called.
func (x *execution) markExpired() bool {
	return x.expired.CompareAndSwap(false, true)
}

func (x *execution) summary(now time.Time) schema.ExecutionSummary {
	x.mu.Lock()
	defer x.mu.Unlock()
	return schema.ExecutionSummary{
		ExecutionID:     x.id,
		WorkflowID:      x.workflow.ID,
		WorkflowVersion: x.workflow.Version,
		Status:          x.status,
		StartTime:       x.started,
		DurationMs:      now.Sub(x.started).Milliseconds(),
		StepCount:       len(x.workflow.Steps),
		CurrentStep:     x.current,
		TriggeredBy:     x.meta.TriggeredBy,
		Priority:        x.meta.Priority,
	}
}
