package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event. When Seq is zero it receives the next
// per-execution sequence; an explicit Seq that already exists is a CONFLICT.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; a write takes the lock
	// before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+migrationsTable+` (version, name, checksum) VALUES (-1, '_lock_noop', '')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+migrationsTable+` WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if event.Seq == 0 {
		var seq uint64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		event.Seq = seq
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := nullableJSON(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, seq, event_type, step, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, event.Seq, event.Type, nullStr(event.Step), data, event.Timestamp,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"event %d of execution %s already recorded", event.Seq, event.ExecutionID).WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since uint64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ExecutionState is an execution rebuilt from its events.
type ExecutionState struct {
	ExecutionID string                       `json:"execution_id"`
	WorkflowID  string                       `json:"workflow_id"`
	Status      schema.ExecutionStatus       `json:"status"`
	Steps       map[string]schema.StepStatus `json:"steps"`
	LastStep    string                       `json:"last_step,omitempty"`
	Error       string                       `json:"error,omitempty"`
	StartedAt   time.Time                    `json:"started_at,omitzero"`
	EndedAt     time.Time                    `json:"ended_at,omitzero"`
}

// ReplayExecution rebuilds an execution's state from its events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayExecution(ctx context.Context, executionID string) (*ExecutionState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no events for execution %s", executionID)
	}

	for i, e := range events {
		expected := uint64(i + 1)
		if e.Seq != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Seq)
		}
	}

	st := &ExecutionState{
		ExecutionID: executionID,
		WorkflowID:  events[0].WorkflowID,
		Status:      schema.ExecutionStatusPending,
		Steps:       make(map[string]schema.StepStatus),
	}
	for _, e := range events {
		switch e.Type {
		case schema.EventExecutionStarted:
			st.Status = schema.ExecutionStatusRunning
			st.StartedAt = e.Timestamp
		case schema.EventStepCompleted:
			st.Steps[e.Step] = schema.StepStatusCompleted
			st.LastStep = e.Step
		case schema.EventStepFailed:
			st.Steps[e.Step] = schema.StepStatusFailed
			st.LastStep = e.Step
		case schema.EventStepSkipped:
			st.Steps[e.Step] = schema.StepStatusSkipped
		case schema.EventExecutionCompleted:
			st.Status = schema.ExecutionStatusCompleted
			st.EndedAt = e.Timestamp
		case schema.EventExecutionFailed:
			st.Status = schema.ExecutionStatusFailed
			st.EndedAt = e.Timestamp
			st.Error = errorText(e.Data)
		}
	}
	return st, nil
}

func errorText(data map[string]any) string {
	switch v := data["error"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
