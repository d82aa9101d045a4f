package store

import (
	"context"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// WorkflowRecord is a registered workflow version as persisted.
// Seq orders records by registration.
type WorkflowRecord struct {
	ID           string           `json:"id"`
	Version      string           `json:"version"`
	Definition   *schema.Workflow `json:"definition"`
	ContentHash  string           `json:"content_hash"`
	Seq          int64            `json:"seq"`
	RegisteredAt time.Time        `json:"registered_at"`
}

// WorkflowStore persists immutable workflow versions.
type WorkflowStore interface {
	// SaveWorkflow stores a new (id, version). It fails with CONFLICT if the pair exists.
	SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error
	// ListWorkflows returns every stored version in registration order.
	ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error)
}

// HistoryStore persists finished execution summaries.
type HistoryStore interface {
	AppendSummary(ctx context.Context, s *schema.ExecutionSummary) error
	// RecentSummaries returns up to limit of the newest summaries, oldest first.
	RecentSummaries(ctx context.Context, limit int) ([]*schema.ExecutionSummary, error)
}

// EventStore persists execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
	// GetEvents returns events of an execution with Seq > since, ordered by Seq.
	GetEvents(ctx context.Context, executionID string, since uint64) ([]*schema.Event, error)
}

// Store is the full storage port.
type Store interface {
	WorkflowStore
	HistoryStore
	EventStore
	Close() error
}
