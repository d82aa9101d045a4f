package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/steps"
	"github.com/rendis/flowpilot/internal/tracker"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- Test doubles ---

const stepScript schema.StepType = "script"

// scriptHandler runs "script" steps as told by their config:
// output (map), fail (bool), fail_on_flag (fails when the variable "fail" is true),
// panic (bool), escalate (bool).
type scriptHandler struct {
	mu    sync.Mutex
	calls []string
	vars  map[string]map[string]any
}

func newScriptHandler() *scriptHandler {
	return &scriptHandler{vars: make(map[string]map[string]any)}
}

func (h *scriptHandler) Type() schema.StepType { return stepScript }

func (h *scriptHandler) Execute(_ context.Context, req steps.Request) (*steps.Outcome, error) {
	h.mu.Lock()
	h.calls = append(h.calls, req.Step.Name)
	h.vars[req.Step.Name] = schema.CloneMap(req.Vars)
	h.mu.Unlock()

	cfg := req.Config()
	if cfg["panic"] == true {
		panic("scripted panic")
	}
	out := map[string]any{}
	if o, ok := cfg["output"].(map[string]any); ok {
		out = schema.CloneMap(o)
	}
	if cfg["fail"] == true || (cfg["fail_on_flag"] == true && req.Vars["fail"] == true) {
		return nil, errors.New("scripted failure")
	}
	return &steps.Outcome{Output: out, Escalate: cfg["escalate"] == true}, nil
}

func (h *scriptHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *scriptHandler) VarsSeenBy(step string) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vars[step]
}

// stubEscalation answers every escalation with a fixed verdict, or blocks
// until the execution is cancelled.
type stubEscalation struct {
	mu      sync.Mutex
	verdict escalation.Verdict
	err     error
	block   bool
	calls   []escalation.Escalation
}

func (s *stubEscalation) Escalate(ctx context.Context, e escalation.Escalation) (escalation.Resolution, error) {
	s.mu.Lock()
	s.calls = append(s.calls, e)
	verdict, err, block := s.verdict, s.err, s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return escalation.Resolution{}, ctx.Err()
	}
	return escalation.Resolution{
		Verdict:    verdict,
		ApprovalID: "approval-1",
		Decision:   escalation.ApprovalDecision{Approved: verdict == escalation.VerdictApproved, Approver: "ops"},
	}, err
}

func (s *stubEscalation) Calls() []escalation.Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]escalation.Escalation(nil), s.calls...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []escalation.Notification
}

func (n *recordingNotifier) Send(_ context.Context, msg escalation.Notification) (escalation.Delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return escalation.Delivery{Delivered: true, Channel: msg.Channel}, nil
}

func (n *recordingNotifier) Sent() []escalation.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]escalation.Notification(nil), n.sent...)
}

// --- Harness ---

type testEnv struct {
	engine     *Engine
	registry   *registry.Registry
	events     *mockAppender
	script     *scriptHandler
	escalation *stubEscalation
	notifier   *recordingNotifier
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := discardLogger()
	env := &testEnv{
		registry:   registry.New(registry.WithLogger(logger)),
		events:     &mockAppender{},
		script:     newScriptHandler(),
		escalation: &stubEscalation{verdict: escalation.VerdictApproved},
		notifier:   &recordingNotifier{},
	}

	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, steps.BuiltinDeps{
		Notifier: env.notifier,
		Approver: escalation.AutoApprover{Approve: true},
		Logger:   logger,
	}))
	require.NoError(t, reg.Register(env.script))

	eng, err := New(Deps{
		Registry:   env.registry,
		Steps:      steps.NewExecutor(reg, logger),
		Escalation: env.escalation,
		Notifier:   env.notifier,
		Tracker:    tracker.New(tracker.DefaultSize, tracker.WithLogger(logger)),
		Appenders:  []EventAppender{env.events},
		Logger:     logger,
	}, opts...)
	require.NoError(t, err)
	env.engine = eng

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return env
}

func (env *testEnv) register(t *testing.T, wf *schema.Workflow) {
	t.Helper()
	if wf.Version == "" {
		wf.Version = "1.0.0"
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	require.NoError(t, env.engine.RegisterWorkflow(context.Background(), wf))
}

func script(name string, config map[string]any) schema.Step {
	if config == nil {
		config = map[string]any{}
	}
	return schema.Step{Name: name, Type: stepScript, Config: config}
}

func waitStep(name, duration string) schema.Step {
	return schema.Step{Name: name, Type: schema.StepTypeWait, Config: map[string]any{"duration": duration}}
}

func statuses(results []schema.StepResult) []schema.StepStatus {
	out := make([]schema.StepStatus, len(results))
	for i, r := range results {
		out[i] = r.Status
	}
	return out
}

// activeID waits until exactly one execution is active and returns its id.
func activeID(t *testing.T, e *Engine) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		active := e.GetActiveExecutions()
		if len(active) != 1 || active[0].Status != schema.ExecutionStatusRunning {
			return false
		}
		id = active[0].ExecutionID
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

func runAsync(e *Engine, workflowID string, input map[string]any) <-chan *schema.ExecutionResult {
	ch := make(chan *schema.ExecutionResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), workflowID, input, ExecuteOptions{})
		ch <- res
	}()
	return ch
}

func await(t *testing.T, ch <-chan *schema.ExecutionResult) *schema.ExecutionResult {
	t.Helper()
	select {
	case res := <-ch:
		require.NotNil(t, res)
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish in time")
		return nil
	}
}

// --- Construction ---

func TestNew_RequiresRegistryAndSteps(t *testing.T) {
	_, err := New(Deps{Steps: steps.NewExecutor(steps.NewRegistry(), nil)})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = New(Deps{Registry: registry.New()})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- Sequencing and variables ---

func TestExecute_SequencingInvariant(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "seq", Steps: []schema.Step{
		script("one", map[string]any{"output": map[string]any{"a": 1.0}}),
		{Name: "two", Type: stepScript, Condition: "${a} > 5"},
		script("three", nil),
		script("four", map[string]any{"output": map[string]any{"done": true}}),
	}})

	res, err := env.engine.Execute(context.Background(), "seq", map[string]any{"input": "x"}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	require.Len(t, res.StepResults, 4)
	for i, name := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, name, res.StepResults[i].StepName)
	}
	assert.Equal(t, []schema.StepStatus{
		schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusCompleted, schema.StepStatusCompleted,
	}, statuses(res.StepResults))
	assert.Equal(t, []string{"one", "three", "four"}, env.script.Calls())
	assert.Equal(t, map[string]any{"input": "x", "a": 1.0, "done": true}, res.Output)
	assert.Nil(t, res.Error)
	assert.Equal(t, "1.0.0", res.WorkflowVersion)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestExecute_VariablePropagation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "vars", Steps: []schema.Step{
		script("produce", map[string]any{"output": map[string]any{"foo": 1.0}}),
		{Name: "sees-foo", Type: stepScript, Condition: "${foo} == 1"},
		{Name: "wrong-foo", Type: stepScript, Condition: "${foo} == 2"},
	}})

	res, err := env.engine.Execute(context.Background(), "vars", nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, []schema.StepStatus{
		schema.StepStatusCompleted, schema.StepStatusCompleted, schema.StepStatusSkipped,
	}, statuses(res.StepResults))
	assert.Equal(t, 1.0, env.script.VarsSeenBy("sees-foo")["foo"])
}

func TestExecute_OutputMergeLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "merge", Steps: []schema.Step{
		script("first", map[string]any{"output": map[string]any{"k": "first", "only_first": true}}),
		script("second", map[string]any{"output": map[string]any{"k": "second"}}),
	}})

	res, err := env.engine.Execute(context.Background(), "merge", map[string]any{"k": "input"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Output["k"])
	assert.Equal(t, true, res.Output["only_first"])
}

func TestExecute_InputIsNotMutated(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "immut", Steps: []schema.Step{
		script("write", map[string]any{"output": map[string]any{"added": 1.0}}),
	}})

	input := map[string]any{"x": 1.0}
	_, err := env.engine.Execute(context.Background(), "immut", input, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, input)
}

func TestExecute_MetadataDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "meta", Steps: []schema.Step{script("s", nil)}})

	res, err := env.engine.Execute(context.Background(), "meta", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultTriggeredBy, res.Metadata.TriggeredBy)
	assert.Equal(t, schema.DefaultPriority, res.Metadata.Priority)

	res, err = env.engine.Execute(context.Background(), "meta", nil, ExecuteOptions{TriggeredBy: "api", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionMetadata{TriggeredBy: "api", Priority: "high"}, res.Metadata)
}

func TestExecute_SpecificVersion(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "ver", Version: "1.0.0", Steps: []schema.Step{
		script("v1", map[string]any{"output": map[string]any{"v": "1"}}),
	}})
	env.register(t, &schema.Workflow{ID: "ver", Version: "2.0.0", Steps: []schema.Step{
		script("v2", map[string]any{"output": map[string]any{"v": "2"}}),
	}})

	res, err := env.engine.Execute(context.Background(), "ver", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2", res.Output["v"])

	res, err = env.engine.Execute(context.Background(), "ver", nil, ExecuteOptions{Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1", res.Output["v"])
	assert.Equal(t, "1.0.0", res.WorkflowVersion)
}

// --- Failure policy ---

func failureWorkflow(id string, b schema.Step) *schema.Workflow {
	return &schema.Workflow{ID: id, Steps: []schema.Step{
		script("stepA", nil),
		b,
		script("stepC", nil),
	}}
}

func TestExecute_FailurePropagation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, failureWorkflow("fail-fast", script("stepB", map[string]any{"fail": true})))

	res, err := env.engine.Execute(context.Background(), "fail-fast", nil, ExecuteOptions{})
	require.NoError(t, err, "step failures are reported through the result")

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.Len(t, res.StepResults, 2)
	assert.Equal(t, schema.StepStatusFailed, res.StepResults[1].Status)
	assert.NotContains(t, env.script.Calls(), "stepC")

	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
	assert.Equal(t, "stepB", res.Error.Step)
	assert.Equal(t, 1, res.Error.StepIndex)
	assert.Equal(t, "fail-fast", res.Error.WorkflowID)
	assert.Equal(t, res.ExecutionID, res.Error.ExecutionID)
	assert.Nil(t, res.Output)
}

func TestExecute_ContinueOnError(t *testing.T) {
	env := newTestEnv(t)
	b := script("stepB", map[string]any{"fail": true})
	b.ContinueOnError = true
	env.register(t, failureWorkflow("continue", b))

	res, err := env.engine.Execute(context.Background(), "continue", nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	require.Len(t, res.StepResults, 3)
	assert.Equal(t, schema.StepStatusFailed, res.StepResults[1].Status)
	assert.NotEmpty(t, res.StepResults[1].Error)
	assert.Contains(t, env.script.Calls(), "stepC")
}

func TestExecute_OnFailureNotify(t *testing.T) {
	env := newTestEnv(t)
	b := script("stepB", map[string]any{"fail": true})
	b.OnFailure = &schema.FailureHandler{
		Action:     schema.FailureActionNotify,
		Channel:    "ops",
		Recipients: []string{"ops@example.com"},
		Message:    "step ${failed_step} failed for ${customer}: ${error}",
	}
	env.register(t, failureWorkflow("notify", b))

	res, err := env.engine.Execute(context.Background(), "notify", map[string]any{"customer": "acme"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Len(t, res.StepResults, 2)

	sent := env.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].Channel)
	assert.Equal(t, []string{"ops@example.com"}, sent[0].Recipients)
	assert.Equal(t, "step stepB failed for acme: scripted failure", sent[0].Message)
}

func TestExecute_OnFailureEscalate(t *testing.T) {
	tests := []struct {
		verdict  escalation.Verdict
		status   schema.ExecutionStatus
		wantCode string
	}{
		{escalation.VerdictApproved, schema.ExecutionStatusCompleted, ""},
		{escalation.VerdictRejected, schema.ExecutionStatusFailed, schema.ErrCodeStepExecution},
		{escalation.VerdictTimeout, schema.ExecutionStatusFailed, schema.ErrCodeApprovalTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			env := newTestEnv(t)
			env.escalation.verdict = tt.verdict
			b := script("stepB", map[string]any{"fail": true})
			b.OnFailure = &schema.FailureHandler{Action: schema.FailureActionEscalate}
			env.register(t, failureWorkflow("esc", b))

			res, err := env.engine.Execute(context.Background(), "esc", nil, ExecuteOptions{Priority: "high"})
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Len(t, res.StepResults, 2, "escalation is terminal")
			assert.NotContains(t, env.script.Calls(), "stepC")

			calls := env.escalation.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "stepB", calls[0].Step)
			assert.Equal(t, 1, calls[0].StepIndex)
			assert.Equal(t, "high", calls[0].Priority)
			assert.Equal(t, "scripted failure", calls[0].Error)

			if tt.wantCode == "" {
				assert.Equal(t, "approved", res.Output["escalation"].(map[string]any)["verdict"])
				return
			}
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantCode, res.Error.Code)
		})
	}
}

func TestExecute_OnFailureRunWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "recover", Steps: []schema.Step{
		script("fix", map[string]any{"output": map[string]any{"fixed": true}}),
	}})
	b := script("stepB", map[string]any{"fail": true})
	b.OnFailure = &schema.FailureHandler{Action: schema.FailureActionRunWorkflow, Workflow: "recover"}
	env.register(t, failureWorkflow("parent", b))

	res, err := env.engine.Execute(context.Background(), "parent", map[string]any{"order": "o-1"}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	recovery := res.Output["recovery"].(map[string]any)
	assert.Equal(t, "recover", recovery["workflow_id"])
	assert.Equal(t, "completed", recovery["status"])
	assert.NotEqual(t, res.ExecutionID, recovery["execution_id"])
	assert.Equal(t, true, recovery["output"].(map[string]any)["fixed"])

	seen := env.script.VarsSeenBy("fix")
	assert.Equal(t, "o-1", seen["order"])
	failure := seen["failure"].(map[string]any)
	assert.Equal(t, "stepB", failure["step"])
	assert.Equal(t, res.ExecutionID, failure["execution_id"])

	history := env.engine.GetHistory("recover", 0)
	require.Len(t, history, 1)
	assert.Equal(t, "on_failure:parent", history[0].TriggeredBy)
}

func TestExecute_OnFailureRunWorkflowChildFails(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "recover", Steps: []schema.Step{
		script("fix", map[string]any{"fail": true}),
	}})
	b := script("stepB", map[string]any{"fail": true})
	b.OnFailure = &schema.FailureHandler{Action: schema.FailureActionRunWorkflow, Workflow: "recover"}
	env.register(t, failureWorkflow("parent", b))

	res, err := env.engine.Execute(context.Background(), "parent", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
	assert.Contains(t, res.Error.Message, "recover")
}

func TestExecute_OnFailureRunWorkflowCycle(t *testing.T) {
	env := newTestEnv(t)
	b := script("stepB", map[string]any{"fail": true})
	b.OnFailure = &schema.FailureHandler{Action: schema.FailureActionRunWorkflow, Workflow: "loop"}
	env.register(t, failureWorkflow("loop", b))

	res, err := env.engine.Execute(context.Background(), "loop", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Contains(t, res.Error.Message, "failure chain")
	assert.Len(t, env.engine.GetHistory("loop", 0), 1, "no child execution was started")
}

// --- Escalation signals ---

func TestExecute_StepEscalateFlag(t *testing.T) {
	env := newTestEnv(t)
	b := script("stepB", nil)
	b.Escalate = true
	env.register(t, failureWorkflow("flag", b))

	res, err := env.engine.Execute(context.Background(), "flag", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Len(t, res.StepResults, 2)
	assert.NotContains(t, env.script.Calls(), "stepC")
	require.Len(t, env.escalation.Calls(), 1)
}

func TestExecute_RuleActionEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.escalation.verdict = escalation.VerdictRejected
	env.register(t, &schema.Workflow{ID: "rules", Steps: []schema.Step{
		{Name: "check", Type: schema.StepTypeRuleEvaluation, Config: map[string]any{
			"rules": []any{
				map[string]any{"condition": "${amount} > 100", "action": "escalate"},
			},
		}},
		script("after", nil),
	}})

	res, err := env.engine.Execute(context.Background(), "rules", map[string]any{"amount": 500.0}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
	assert.Empty(t, env.script.Calls())

	calls := env.escalation.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 500.0, calls[0].Variables["amount"])

	res, err = env.engine.Execute(context.Background(), "rules", map[string]any{"amount": 5.0}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Len(t, env.escalation.Calls(), 1)
}

func TestExecute_HandlerEscalationSignal(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "signal", Steps: []schema.Step{
		script("decide", map[string]any{"escalate": true}),
	}})

	_, err := env.engine.Execute(context.Background(), "signal", nil, ExecuteOptions{})
	require.NoError(t, err)
	calls := env.escalation.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Reason, "decide")
}

// --- Aborts and the error contract ---

func TestExecute_ParseErrorAborts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "bad-cond", Steps: []schema.Step{
		script("ok", nil),
		{Name: "broken", Type: stepScript, Condition: "${x} >>> 5"},
		script("never", nil),
	}})

	res, err := env.engine.Execute(context.Background(), "bad-cond", map[string]any{"x": 1.0}, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeParse))

	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "bad-cond", fe.WorkflowID)
	assert.Equal(t, "broken", fe.Step)
	assert.Equal(t, 1, fe.StepIndex)

	require.NotNil(t, res)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Len(t, res.StepResults, 1, "partial results are returned")
	assert.Equal(t, []string{"ok"}, env.script.Calls())
}

func TestExecute_RuntimeConditionErrorAborts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "div", Steps: []schema.Step{
		{Name: "divide", Type: stepScript, Condition: "${x} / 0 > 1"},
	}})

	res, err := env.engine.Execute(context.Background(), "div", map[string]any{"x": 1.0}, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
}

func TestExecute_UnknownStepTypeAborts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "unknown", Steps: []schema.Step{
		{Name: "mystery", Type: "teleport"},
	}})

	res, err := env.engine.Execute(context.Background(), "unknown", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))
	require.NotNil(t, res)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.Len(t, res.StepResults, 1)
	assert.Equal(t, schema.StepStatusFailed, res.StepResults[0].Status)
}

func TestExecute_NotFoundRunsExceptionWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: DefaultExceptionWorkflow, Steps: []schema.Step{
		script("handle", nil),
	}})

	res, err := env.engine.Execute(context.Background(), "missing", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	seen := env.script.VarsSeenBy("handle")
	require.NotNil(t, seen, "exception workflow ran")
	assert.Equal(t, schema.ErrCodeNotFound, seen["errorType"])
	assert.Equal(t, "missing", seen["workflowId"])
	assert.Equal(t, ExceptionSeverity, seen["severity"])
	assert.NotEmpty(t, seen["exceptionId"])
	assert.NotEmpty(t, seen["errorMessage"])
	assert.NotEmpty(t, seen["timestamp"])

	history := env.engine.GetHistory(DefaultExceptionWorkflow, 0)
	require.Len(t, history, 1)
	assert.Equal(t, "exception_handler", history[0].TriggeredBy)
}

func TestExecute_EngineFaultExceptionDoesNotRecurse(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: DefaultExceptionWorkflow, Steps: []schema.Step{
		script("handle", map[string]any{"panic": true}),
	}})
	env.register(t, &schema.Workflow{ID: "faulty", Steps: []schema.Step{
		script("explode", map[string]any{"panic": true}),
	}})

	res, err := env.engine.Execute(context.Background(), "faulty", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeEngineFault))
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)

	assert.Equal(t, []string{"explode", "handle"}, env.script.Calls(), "exception workflow ran exactly once")
	assert.Equal(t, 2, env.engine.GetMetrics().TotalExecutions)
}

func TestExecute_MissingExceptionWorkflowOnlyLogs(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Execute(context.Background(), "missing", nil, ExecuteOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Zero(t, env.engine.GetMetrics().TotalExecutions)
}

func TestExecute_ExceptionWorkflowDisabled(t *testing.T) {
	env := newTestEnv(t, WithExceptionWorkflow(""))
	env.register(t, &schema.Workflow{ID: DefaultExceptionWorkflow, Steps: []schema.Step{script("handle", nil)}})

	_, err := env.engine.Execute(context.Background(), "missing", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Empty(t, env.script.Calls())
}

// --- Cancellation and the watchdog ---

func TestCancel_MidWait(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "slow", Steps: []schema.Step{
		script("before", nil),
		waitStep("pause", "10s"),
		script("after", nil),
	}})

	done := runAsync(env.engine, "slow", nil)
	id := activeID(t, env.engine)
	require.Eventually(t, func() bool {
		active := env.engine.GetActiveExecutions()
		return len(active) == 1 && active[0].CurrentStep == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, env.engine.Cancel(id))
	res := await(t, done)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Equal(t, "cancelled", res.Error.Details["reason"])
	assert.ErrorIs(t, res.Error, ErrCancelRequested)
	assert.Equal(t, "before", res.StepResults[0].StepName)
	assert.NotContains(t, env.script.Calls(), "after")
	assert.Empty(t, env.engine.GetActiveExecutions())
}

func TestCancel_UnknownExecution(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Cancel("exec_nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestCancel_DuringEscalation(t *testing.T) {
	env := newTestEnv(t)
	env.escalation.block = true
	b := script("stepB", nil)
	b.Escalate = true
	env.register(t, failureWorkflow("blocked", b))

	done := runAsync(env.engine, "blocked", nil)
	id := activeID(t, env.engine)
	require.Eventually(t, func() bool { return len(env.escalation.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, env.engine.Cancel(id))

	res := await(t, done)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
}

func TestExecute_CallerContextCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "slow", Steps: []schema.Step{waitStep("pause", "10s")}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := env.engine.Execute(ctx, "slow", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Equal(t, "deadline_exceeded", res.Error.Details["reason"])
}

func TestWatchdog_CancelsRunawayExecution(t *testing.T) {
	env := newTestEnv(t, WithMaxRuntime(50*time.Millisecond), WithWatchdogInterval(10*time.Millisecond))
	env.register(t, &schema.Workflow{ID: "runaway", Steps: []schema.Step{waitStep("pause", "10s")}})

	res := await(t, runAsync(env.engine, "runaway", nil))
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Equal(t, "max_runtime_exceeded", res.Error.Details["reason"])
	assert.Contains(t, env.events.Types(res.ExecutionID), schema.EventWatchdogCancelled)
}

// --- Async, shutdown, active set ---

func TestExecuteAsync(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "async", Steps: []schema.Step{script("s", nil)}})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := env.engine.ExecuteAsync(ctx, "async", nil, ExecuteOptions{TriggeredBy: "api"})
	cancel()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool { return len(env.engine.GetHistory("async", 0)) == 1 },
		2*time.Second, 5*time.Millisecond)
	h := env.engine.GetHistory("async", 0)[0]
	assert.Equal(t, id, h.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusCompleted, h.Status, "the submit context does not cancel the execution")
	assert.Equal(t, "api", h.TriggeredBy)
}

func TestExecuteAsync_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.ExecuteAsync(context.Background(), "missing", nil, ExecuteOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestGetActiveExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "slow", Version: "3.0.0", Steps: []schema.Step{
		script("first", nil),
		waitStep("pause", "10s"),
	}})

	done := runAsync(env.engine, "slow", nil)
	id := activeID(t, env.engine)

	var active schema.ExecutionSummary
	require.Eventually(t, func() bool {
		list := env.engine.GetActiveExecutions()
		if len(list) != 1 {
			return false
		}
		active = list[0]
		return active.CurrentStep == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, id, active.ExecutionID)
	assert.Equal(t, "slow", active.WorkflowID)
	assert.Equal(t, "3.0.0", active.WorkflowVersion)
	assert.Equal(t, 2, active.StepCount)
	assert.Equal(t, schema.DefaultPriority, active.Priority)

	require.NoError(t, env.engine.Cancel(id))
	await(t, done)
	assert.Empty(t, env.engine.GetActiveExecutions())
}

func TestShutdown_RejectsNewExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "wf", Steps: []schema.Step{script("s", nil)}})
	require.NoError(t, env.engine.Shutdown(context.Background()))

	_, err := env.engine.Execute(context.Background(), "wf", nil, ExecuteOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeShutdown))

	_, err = env.engine.ExecuteAsync(context.Background(), "wf", nil, ExecuteOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeShutdown))

	assert.NoError(t, env.engine.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdown_CancelsWhenContextEnds(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "slow", Steps: []schema.Step{waitStep("pause", "10s")}})

	done := runAsync(env.engine, "slow", nil)
	activeID(t, env.engine)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := env.engine.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res := await(t, done)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, "shutdown", res.Error.Details["reason"])
}

func TestShutdown_WaitsForRunningExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "short", Steps: []schema.Step{waitStep("pause", "50ms")}})

	id, err := env.engine.ExecuteAsync(context.Background(), "short", nil, ExecuteOptions{})
	require.NoError(t, err)
	require.NoError(t, env.engine.Shutdown(context.Background()))

	history := env.engine.GetHistory("short", 0)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ExecutionID)
	assert.Equal(t, schema.ExecutionStatusCompleted, history[0].Status)
}

// --- Events, history, metrics ---

func TestExecute_EmitsOrderedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "events", Steps: []schema.Step{
		script("one", map[string]any{"output": map[string]any{"n": 1.0}}),
		{Name: "two", Type: stepScript, Condition: "${n} > 1"},
		script("three", map[string]any{"fail": true}),
	}})

	res, err := env.engine.Execute(context.Background(), "events", nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepCompleted,
		schema.EventStepSkipped,
		schema.EventStepFailed,
		schema.EventExecutionFailed,
	}, env.events.Types(res.ExecutionID))

	for i, ev := range env.events.Events() {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "events", ev.WorkflowID)
	}
	assert.Equal(t, "two", env.events.Events()[2].Step)
}

func TestExecute_RecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, failureWorkflow("hist", script("stepB", map[string]any{"fail": true})))

	res, err := env.engine.Execute(context.Background(), "hist", nil, ExecuteOptions{})
	require.NoError(t, err)

	history := env.engine.GetHistory("hist", 10)
	require.Len(t, history, 1)
	h := history[0]
	assert.Equal(t, res.ExecutionID, h.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusFailed, h.Status)
	assert.Equal(t, "stepB", h.ErrorStep)
	assert.Equal(t, 3, h.StepCount)
	assert.Equal(t, 2, h.CurrentStep)
	assert.Equal(t, res.DurationMs, h.DurationMs)
}

func TestMetricsConsistency(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "flaky", Steps: []schema.Step{
		script("maybe", map[string]any{"fail_on_flag": true}),
	}})

	const k, s = 7, 4
	for i := 0; i < k; i++ {
		_, err := env.engine.Execute(context.Background(), "flaky", map[string]any{"fail": i >= s}, ExecuteOptions{})
		require.NoError(t, err)
	}

	m := env.engine.GetMetrics()
	assert.Equal(t, k, m.TotalExecutions)
	assert.Equal(t, float64(s)/float64(k), m.SuccessRate)
	assert.Equal(t, float64(s)/float64(k), m.Workflows["flaky"].SuccessRate)
}

func TestExecute_ConcurrentExecutionsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &schema.Workflow{ID: "iso", Steps: []schema.Step{
		script("tag", map[string]any{"output": map[string]any{"seen": true}}),
		waitStep("pause", "5ms"),
	}})

	const n = 20
	var wg sync.WaitGroup
	results := make([]*schema.ExecutionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.engine.Execute(context.Background(), "iso", map[string]any{"id": fmt.Sprint(i)}, ExecuteOptions{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
		assert.Equal(t, fmt.Sprint(i), res.Output["id"])
		ids[res.ExecutionID] = true
	}
	assert.Len(t, ids, n)
	assert.Equal(t, n, env.engine.GetMetrics().TotalExecutions)
}
