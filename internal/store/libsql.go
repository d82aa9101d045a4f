package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowpilot/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowpilot.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	registeredAt := timeOrNow(rec.RegisteredAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, definition, content_hash, registered_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO NOTHING`,
		rec.ID, rec.Version, string(def), rec.ContentHash, registeredAt,
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("save workflow", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s version %s already stored", rec.ID, rec.Version)
	}
	if seq, err := res.LastInsertId(); err == nil {
		rec.Seq = seq
	}
	rec.RegisteredAt = registeredAt
	return nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, version, definition, content_hash, registered_at FROM workflows ORDER BY seq ASC`)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		rec := &WorkflowRecord{}
		var def string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Version, &def, &rec.ContentHash, &rec.RegisteredAt); err != nil {
			return nil, storeError("scan workflow", err)
		}
		rec.Definition = &schema.Workflow{}
		if err := json.Unmarshal([]byte(def), rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal workflow %s@%s: %w", rec.ID, rec.Version, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Execution history ---

func (s *LibSQLStore) AppendSummary(ctx context.Context, sum *schema.ExecutionSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_history (execution_id, workflow_id, status, summary, end_time) VALUES (?, ?, ?, ?, ?)`,
		sum.ExecutionID, sum.WorkflowID, string(sum.Status), string(data), timeOrNow(sum.EndTime),
	)
	if err != nil {
		return storeError("append summary", err)
	}
	return nil
}

func (s *LibSQLStore) RecentSummaries(ctx context.Context, limit int) ([]*schema.ExecutionSummary, error) {
	query := `SELECT summary FROM execution_history ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("recent summaries", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeError("scan summary", err)
		}
		sum := &schema.ExecutionSummary{}
		if err := json.Unmarshal([]byte(raw), sum); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- Events ---

// AppendEvent inserts an event. A zero Seq is assigned the next per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since uint64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_type, execution_id, workflow_id, step, data, timestamp
		 FROM events WHERE execution_id = ? AND seq > ? ORDER BY seq ASC`, executionID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns up to limit events of one type, oldest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*schema.Event, error) {
	query := `SELECT seq, event_type, execution_id, workflow_id, step, data, timestamp
		 FROM events WHERE event_type = ? ORDER BY id ASC`
	args := []any{eventType}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("get events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var step, data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Type, &e.ExecutionID, &e.WorkflowID, &step, &data, &e.Timestamp); err != nil {
			return nil, storeError("scan event", err)
		}
		e.Step = step.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*LibSQLStore)(nil)
