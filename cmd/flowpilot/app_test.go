package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/definitions"
	"github.com/rendis/flowpilot/internal/diagram"
	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/pkg/schema"
)

const doublerYAML = `
id: doubler
name: Doubler
version: "1.0.0"
triggers:
  - numbers_ready
  - "schedule:*/5 * * * *"
steps:
  - name: double
    type: data_transformation
    config:
      transformations:
        - type: calculate
          expression: "${n} * 2"
          target: doubled
`

const brokenYAML = `
id: broken
name: Broken
version: "1"
steps:
  - name: check
    type: rule_evaluation
    config:
      rules:
        - condition: "${a} >>> 1"
          action: never
`

func definitionsLoader() *definitions.Loader { return definitions.NewLoader(nil) }

func testConfig() *Config {
	return &Config{
		Log:       LogConfig{Level: "error", Format: "text"},
		HTTP:      HTTPConfig{Timeout: 5 * time.Second},
		Engine:    EngineConfig{MaxRuntime: time.Minute, WatchdogInterval: time.Second, ExceptionWorkflow: "exception_handling", Workers: 2, HistorySize: 50},
		Store:     StoreConfig{Driver: storeMemory},
		Workflows: WorkflowsConfig{Defaults: true},
		Approvals: ApprovalsConfig{Mode: approvalQ},
		Scheduler: SchedulerConfig{Enabled: true},
	}
}

func newTestApp(t *testing.T, cfg *Config, opts appOptions) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.close(ctx)
	})
	return a
}

func TestNewApp_RegistersDefaults(t *testing.T) {
	a := newTestApp(t, testConfig(), appOptions{})

	ids := make([]string, 0)
	for _, info := range a.engine.Workflows().List() {
		ids = append(ids, info.ID)
	}
	assert.ElementsMatch(t, []string{
		"cost_optimization", "dd_prevention", "delay_mitigation", "document_processing", "exception_handling",
	}, ids)
	assert.NotNil(t, a.queue, "queue approval mode")
	assert.Nil(t, a.scheduler, "scheduler not requested")
}

func TestNewApp_WorkflowDirAndScheduler(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doubler.yaml", doublerYAML)

	cfg := testConfig()
	cfg.Workflows = WorkflowsConfig{Dir: dir}
	cfg.Approvals.Mode = approvalAuto
	a := newTestApp(t, cfg, appOptions{scheduler: true})

	assert.Equal(t, 1, a.engine.Workflows().Count())
	assert.Nil(t, a.queue)
	require.NotNil(t, a.scheduler)
	assert.Equal(t, map[string][]string{"numbers_ready": {"doubler"}}, a.scheduler.Events())
	jobs := a.scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "*/5 * * * *", jobs[0].Cron)
}

func TestNewApp_InvalidDirectoryDefinition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", brokenYAML)

	cfg := testConfig()
	cfg.Workflows = WorkflowsConfig{Dir: dir}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := newApp(context.Background(), cfg, logger, appOptions{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition), err.Error())
}

func TestNewApp_LibSQLStorePersistsVersions(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Workflows.Defaults = false
	cfg.Store = StoreConfig{Driver: storeLibSQL, Path: dir + "/flow.db"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	require.NoError(t, err)
	require.NoError(t, a.loadFiles(ctx, []string{writeFile(t, dir, "doubler.yaml", doublerYAML)}))
	require.NoError(t, a.close(ctx))

	b, err := newApp(ctx, cfg, logger, appOptions{})
	require.NoError(t, err)
	defer b.close(ctx)
	wf, err := b.engine.Workflows().Lookup("doubler", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", wf.Version)
}

func TestExecuteWorkflow(t *testing.T) {
	dir := t.TempDir()
	a := newTestApp(t, testConfig(), appOptions{})
	ctx := context.Background()
	require.NoError(t, a.loadFiles(ctx, []string{writeFile(t, dir, "doubler.yaml", doublerYAML)}))

	var out bytes.Buffer
	ret, err := executeWorkflow(ctx, a, &out, "doubler", map[string]any{"n": 21}, "")
	require.NoError(t, err)
	require.NotNil(t, ret)

	var res schema.ExecutionResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 42.0, res.Output["doubled"])
	assert.Equal(t, "cli", res.Metadata.TriggeredBy)

	history := a.engine.GetHistory("doubler", 0)
	require.Len(t, history, 1)
	assert.Equal(t, res.ExecutionID, history[0].ExecutionID)
}

func TestExecuteWorkflow_UnknownWorkflow(t *testing.T) {
	a := newTestApp(t, testConfig(), appOptions{})

	var out bytes.Buffer
	res, err := executeWorkflow(context.Background(), a, &out, "missing", nil, "")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Empty(t, out.String())
}

func TestRenderDiagrams(t *testing.T) {
	dir := t.TempDir()
	wfs, err := definitionsLoader().LoadFile(writeFile(t, dir, "doubler.yaml", doublerYAML))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, renderDiagrams(&out, wfs, nil, diagram.FormatMermaid))
	assert.Contains(t, out.String(), "graph TD")
	assert.Contains(t, out.String(), "double<br/>(data_transformation)")

	out.Reset()
	res := &schema.ExecutionResult{StepResults: []schema.StepResult{{StepName: "double", Status: schema.StepStatusCompleted}}}
	require.NoError(t, renderDiagrams(&out, wfs, res, diagram.FormatASCII))
	assert.Contains(t, out.String(), "[OK]")

	assert.Error(t, renderDiagrams(&out, wfs, nil, "dot"))
}

func TestParseInput(t *testing.T) {
	in, err := parseInput("")
	require.NoError(t, err)
	assert.Empty(t, in)

	in, err = parseInput(`{"orderId":"A-1","amount":12.5}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"orderId": "A-1", "amount": 12.5}, in)

	_, err = parseInput(`[1,2]`)
	assert.Error(t, err)
}

func TestValidateFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "doubler.yaml", doublerYAML)
	bad := writeFile(t, dir, "broken.yaml", brokenYAML)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tc, err := newToolchain(testConfig(), &escalation.LogNotifier{Logger: logger}, escalation.AutoApprover{Approve: true}, logger)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, validateFiles(&out, tc, []string{good}))
	assert.Contains(t, out.String(), "doubler@1.0.0")

	out.Reset()
	err = validateFiles(&out, tc, []string{good, bad, dir + "/missing.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 invalid")
	assert.Contains(t, out.String(), "FAIL "+bad)
	assert.Contains(t, out.String(), "FAIL "+dir+"/missing.yaml")
}
