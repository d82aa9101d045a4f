// Package streaming fans execution events out to live subscribers.
package streaming

import (
	"context"

	"github.com/rendis/flowpilot/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
