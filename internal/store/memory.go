package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// MemoryStore is a process-local Store. Records are copied in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows []*WorkflowRecord
	index     map[string]struct{}
	history   []*schema.ExecutionSummary
	events    map[string][]*schema.Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index:  make(map[string]struct{}),
		events: make(map[string][]*schema.Event),
	}
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, rec *WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.ID + "@" + rec.Version
	if _, ok := m.index[key]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s version %s already stored", rec.ID, rec.Version)
	}
	cp := copyRecord(rec)
	cp.Seq = int64(len(m.workflows) + 1)
	cp.RegisteredAt = timeOrNow(cp.RegisteredAt)
	rec.Seq = cp.Seq
	rec.RegisteredAt = cp.RegisteredAt
	m.workflows = append(m.workflows, cp)
	m.index[key] = struct{}{}
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WorkflowRecord, len(m.workflows))
	for i, rec := range m.workflows {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

func (m *MemoryStore) AppendSummary(_ context.Context, s *schema.ExecutionSummary) error {
	cp := *s
	m.mu.Lock()
	m.history = append(m.history, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) RecentSummaries(_ context.Context, limit int) ([]*schema.ExecutionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]*schema.ExecutionSummary, 0, len(m.history)-start)
	for _, s := range m.history[start:] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// AppendEvent assigns the next per-execution sequence when Seq is zero.
func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.events[event.ExecutionID]
	if event.Seq == 0 {
		event.Seq = uint64(len(existing) + 1)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Data = schema.CloneMap(event.Data)
	m.events[event.ExecutionID] = append(existing, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since uint64) ([]*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Event
	for _, e := range m.events[executionID] {
		if e.Seq <= since {
			continue
		}
		cp := *e
		cp.Data = schema.CloneMap(e.Data)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyRecord(rec *WorkflowRecord) *WorkflowRecord {
	cp := *rec
	cp.Definition = rec.Definition.Clone()
	return &cp
}

var _ Store = (*MemoryStore)(nil)
