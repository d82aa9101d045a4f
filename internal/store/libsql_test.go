package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func sampleRecord(id, version string) *WorkflowRecord {
	return &WorkflowRecord{
		ID:      id,
		Version: version,
		Definition: &schema.Workflow{
			ID:      id,
			Name:    "Sample " + id,
			Version: version,
			Steps: []schema.Step{{
				Name:   "wait",
				Type:   schema.StepTypeWait,
				Config: map[string]any{"duration": "1s"},
			}},
		},
		ContentHash: "hash-" + id + "-" + version,
	}
}

// storeFactories runs the shared port tests against every Store implementation.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"libsql": func(t *testing.T) Store { return newTestStore(t) },
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var (
		version  int
		checksum string
	)
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version), checksum FROM flowpilot_migrations`).Scan(&version, &checksum))
	assert.Equal(t, 1, version)
	assert.Len(t, checksum, 64)
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_history_index.sql": {Data: []byte("CREATE INDEX h ON t (x);")},
		"m/001_init.sql":          {Data: []byte("CREATE TABLE t (x INT);")},
		"m/README.md":             {Data: []byte("ignored")},
	}
	list, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].version)
	assert.Equal(t, "init", list[0].name)
	assert.Equal(t, 2, list[1].version)
	assert.Equal(t, "history_index", list[1].name)
	assert.NotEqual(t, list[0].checksum, list[1].checksum)

	_, err = loadMigrations(fstest.MapFS{"m/init.sql": {Data: []byte("x")}}, "m")
	assert.ErrorContains(t, err, "NNN_name.sql")

	_, err = loadMigrations(fstest.MapFS{
		"m/001_a.sql": {Data: []byte("x")},
		"m/1_b.sql":   {Data: []byte("y")},
	}, "m")
	assert.ErrorContains(t, err, "migration version 1")
}

func TestApplyMigrations_PendingAndDrift(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	extra := migration{version: 900, name: "scratch", sql: "CREATE TABLE scratch (x INT);", checksum: "abc"}
	require.NoError(t, applyMigrations(ctx, s.DB(), []migration{extra}))
	_, err := s.DB().ExecContext(ctx, `INSERT INTO scratch (x) VALUES (1)`)
	require.NoError(t, err)

	// Already applied with the same checksum: skipped, not re-run.
	require.NoError(t, applyMigrations(ctx, s.DB(), []migration{extra}))

	extra.checksum = "def"
	err = applyMigrations(ctx, s.DB(), []migration{extra})
	assert.ErrorContains(t, err, "changed after it was applied")
}

func TestApplyMigrations_FailedMigrationIsNotRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := migration{version: 901, name: "broken", sql: "CREATE TABLE ok_table (x INT); CREATE TABLE (;", checksum: "x"}
	require.Error(t, applyMigrations(ctx, s.DB(), []migration{bad}))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM flowpilot_migrations WHERE version = 901`).Scan(&n))
	assert.Zero(t, n)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only comment;\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestStore_Workflows(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			first := sampleRecord("wf-a", "1.0.0")
			require.NoError(t, s.SaveWorkflow(ctx, first))
			assert.Positive(t, first.Seq)
			require.NoError(t, s.SaveWorkflow(ctx, sampleRecord("wf-b", "1.0.0")))
			require.NoError(t, s.SaveWorkflow(ctx, sampleRecord("wf-a", "1.1.0")))

			err := s.SaveWorkflow(ctx, sampleRecord("wf-a", "1.0.0"))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

			recs, err := s.ListWorkflows(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, "wf-a", recs[0].ID)
			assert.Equal(t, "wf-b", recs[1].ID)
			assert.Equal(t, "1.1.0", recs[2].Version)
			assert.Equal(t, "hash-wf-a-1.0.0", recs[0].ContentHash)
			require.NotNil(t, recs[0].Definition)
			require.Len(t, recs[0].Definition.Steps, 1)
			assert.Equal(t, "1s", recs[0].Definition.Steps[0].Config["duration"])
			assert.Less(t, recs[0].Seq, recs[2].Seq)
		})
	}
}

func TestStore_History(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			for i, id := range []string{"e1", "e2", "e3", "e4"} {
				require.NoError(t, s.AppendSummary(ctx, &schema.ExecutionSummary{
					ExecutionID: id,
					WorkflowID:  "wf",
					Status:      schema.ExecutionStatusCompleted,
					StartTime:   base,
					EndTime:     base.Add(time.Duration(i) * time.Second),
					DurationMs:  int64(i * 10),
				}))
			}

			recent, err := s.RecentSummaries(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "e3", recent[0].ExecutionID)
			assert.Equal(t, "e4", recent[1].ExecutionID)
			assert.Equal(t, int64(30), recent[1].DurationMs)

			all, err := s.RecentSummaries(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 4)
			assert.Equal(t, "e1", all[0].ExecutionID)
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			for _, et := range []string{schema.EventExecutionStarted, schema.EventStepCompleted, schema.EventExecutionCompleted} {
				e := &schema.Event{ExecutionID: "exec-1", WorkflowID: "wf", Type: et, Step: "s1", Data: map[string]any{"k": "v"}}
				require.NoError(t, s.AppendEvent(ctx, e))
				assert.NotZero(t, e.Seq)
			}
			require.NoError(t, s.AppendEvent(ctx, &schema.Event{ExecutionID: "exec-2", WorkflowID: "wf", Type: schema.EventExecutionStarted}))

			events, err := s.GetEvents(ctx, "exec-1", 0)
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, uint64(1), events[0].Seq)
			assert.Equal(t, "v", events[1].Data["k"])

			events, err = s.GetEvents(ctx, "exec-1", 1)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, uint64(2), events[0].Seq)

			events, err = s.GetEvents(ctx, "exec-2", 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, uint64(1), events[0].Seq)
		})
	}
}

func TestLibSQLStore_GetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{ExecutionID: id, WorkflowID: "wf", Type: schema.EventExecutionStarted}))
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{ExecutionID: id, WorkflowID: "wf", Type: schema.EventExecutionFailed,
			Data: map[string]any{"error": "boom"}}))
	}

	failed, err := s.GetEventsByType(ctx, schema.EventExecutionFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "a", failed[0].ExecutionID)
	assert.Equal(t, "boom", failed[1].Data["error"])

	limited, err := s.GetEventsByType(ctx, schema.EventExecutionStarted, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_CopiesDefinitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("wf", "1")
	require.NoError(t, s.SaveWorkflow(ctx, rec))

	rec.Definition.Steps[0].Config["duration"] = "9s"
	recs, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1s", recs[0].Definition.Steps[0].Config["duration"])

	recs[0].Definition.Name = "mutated"
	again, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Sample wf", again[0].Definition.Name)
}
