package tracker

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

const (
	// DefaultSize is the number of summaries kept in the window.
	DefaultSize = 1000
	// DefaultHistoryLimit is used when History is called with limit <= 0.
	DefaultHistoryLimit = 50

	meterName = "github.com/rendis/flowpilot/internal/tracker"
)

type aggregate struct {
	count      int
	successes  int
	durationMs int64
}

func (a *aggregate) add(s *schema.ExecutionSummary, sign int) {
	a.count += sign
	a.durationMs += int64(sign) * s.DurationMs
	if s.Status == schema.ExecutionStatusCompleted {
		a.successes += sign
	}
}

func (a *aggregate) rates() (successRate, avgMs float64) {
	if a.count == 0 {
		return 0, 0
	}
	return float64(a.successes) / float64(a.count), float64(a.durationMs) / float64(a.count)
}

// Tracker keeps a fixed window of finished executions and maintains the
// aggregates incrementally: each Record adds the new summary and subtracts
// the evicted one. Safe for concurrent use.
type Tracker struct {
	mu          sync.RWMutex
	ring        []schema.ExecutionSummary
	head        int // next write position
	count       int
	total       aggregate
	perWorkflow map[string]*aggregate

	store  store.HistoryStore
	logger *slog.Logger

	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHistoryStore writes every recorded summary through s.
func WithHistoryStore(s store.HistoryStore) Option {
	return func(t *Tracker) { t.store = s }
}

// WithLogger sets the tracker logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(t *Tracker) { t.initInstruments(mp.Meter(meterName)) }
}

// New creates a Tracker with a window of size summaries (DefaultSize if <= 0).
func New(size int, opts ...Option) *Tracker {
	if size <= 0 {
		size = DefaultSize
	}
	t := &Tracker{
		ring:        make([]schema.ExecutionSummary, size),
		perWorkflow: make(map[string]*aggregate),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.executions == nil {
		t.initInstruments(otel.Meter(meterName))
	}
	return t
}

func (t *Tracker) initInstruments(m metric.Meter) {
	// Instrument creation only fails on invalid names; the returned
	// instruments are no-ops in that case.
	t.executions, _ = m.Int64Counter("flowpilot.executions",
		metric.WithDescription("Finished workflow executions"),
		metric.WithUnit("{execution}"))
	t.duration, _ = m.Float64Histogram("flowpilot.execution.duration",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("ms"))
}

// Record adds a finished execution to the window and, when configured, to the history store.
func (t *Tracker) Record(ctx context.Context, s schema.ExecutionSummary) {
	t.insert(s)

	attrs := metric.WithAttributes(
		attribute.String("workflow_id", s.WorkflowID),
		attribute.String("status", string(s.Status)),
	)
	t.executions.Add(ctx, 1, attrs)
	t.duration.Record(ctx, float64(s.DurationMs), attrs)

	if t.store != nil {
		if err := t.store.AppendSummary(context.WithoutCancel(ctx), &s); err != nil {
			t.logger.ErrorContext(ctx, "history store write failed", "execution_id", s.ExecutionID, "error", err)
		}
	}
}

func (t *Tracker) insert(s schema.ExecutionSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == len(t.ring) {
		evicted := &t.ring[t.head]
		t.total.add(evicted, -1)
		if agg := t.perWorkflow[evicted.WorkflowID]; agg != nil {
			agg.add(evicted, -1)
			if agg.count == 0 {
				delete(t.perWorkflow, evicted.WorkflowID)
			}
		}
	} else {
		t.count++
	}

	t.ring[t.head] = s
	t.head = (t.head + 1) % len(t.ring)

	t.total.add(&s, 1)
	agg := t.perWorkflow[s.WorkflowID]
	if agg == nil {
		agg = &aggregate{}
		t.perWorkflow[s.WorkflowID] = agg
	}
	agg.add(&s, 1)
}

// Restore fills the window from the history store, oldest first.
// Restored summaries are not written back or counted by the otel instruments.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	summaries, err := t.store.RecentSummaries(ctx, len(t.ring))
	if err != nil {
		return 0, schema.ToFlowError(err, schema.ErrCodeStore)
	}
	for _, s := range summaries {
		t.insert(*s)
	}
	return len(summaries), nil
}

// History returns up to limit of the most recent summaries, optionally
// filtered by workflow, in chronological order.
func (t *Tracker) History(workflowID string, limit int) []schema.ExecutionSummary {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]schema.ExecutionSummary, 0, min(limit, t.count))
	// Walk newest to oldest, then reverse.
	for i := 0; i < t.count && len(out) < limit; i++ {
		idx := (t.head - 1 - i + len(t.ring)) % len(t.ring)
		s := t.ring[idx]
		if workflowID != "" && s.WorkflowID != workflowID {
			continue
		}
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Metrics returns the aggregate snapshot over the current window.
func (t *Tracker) Metrics() schema.AggregateMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := schema.AggregateMetrics{
		TotalExecutions: t.total.count,
		Workflows:       make(map[string]schema.WorkflowMetrics, len(t.perWorkflow)),
	}
	m.SuccessRate, m.AverageDurationMs = t.total.rates()
	for id, agg := range t.perWorkflow {
		rate, avg := agg.rates()
		m.Workflows[id] = schema.WorkflowMetrics{
			Executions:        agg.count,
			SuccessRate:       rate,
			AverageDurationMs: avg,
		}
	}
	return m
}

// Len returns the number of summaries in the window.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
