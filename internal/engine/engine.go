// Package engine runs registered workflows: it walks their steps in order
// against a per-execution Variable Context, applies step failure policies and
// escalations, and reports every execution to the performance tracker.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/internal/steps"
	"github.com/rendis/flowpilot/internal/tracker"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Defaults for the engine options.
const (
	DefaultMaxRuntime        = time.Hour
	DefaultWatchdogInterval  = 30 * time.Second
	DefaultExceptionWorkflow = "exception_handling"
	DefaultWorkers           = 16
)

// Cancellation causes. They end up in the CANCELLED error's reason detail.
var (
	ErrCancelRequested    = errors.New("cancellation requested")
	ErrMaxRuntimeExceeded = errors.New("max runtime exceeded")
	ErrEngineShutdown     = errors.New("engine shut down")
)

// Deps are the collaborators an Engine is built from. Registry and Steps are
// required; everything else has a working default.
type Deps struct {
	Registry   *registry.Registry
	Steps      *steps.Executor
	Rules      *rules.Evaluator
	Escalation escalation.Handler
	Notifier   escalation.Notifier
	Tracker    *tracker.Tracker
	Appenders  []EventAppender
	Logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	maxRuntime        time.Duration
	watchdogInterval  time.Duration
	exceptionWorkflow string
	workers           int
	now               func() time.Time
}

// WithMaxRuntime sets how long an execution may run before the watchdog cancels it.
func WithMaxRuntime(d time.Duration) Option {
	return func(c *config) { c.maxRuntime = d }
}

// WithWatchdogInterval sets how often active executions are scanned.
func WithWatchdogInterval(d time.Duration) Option {
	return func(c *config) { c.watchdogInterval = d }
}

// WithExceptionWorkflow sets the workflow run on engine-level exceptions.
// An empty id disables the exception path.
func WithExceptionWorkflow(id string) Option {
	return func(c *config) { c.exceptionWorkflow = id }
}

// WithWorkers sets the size of the ExecuteAsync worker pool.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// ExecuteOptions are the per-call execution options.
type ExecuteOptions struct {
	Version     string // empty runs the latest version
	TriggeredBy string
	Priority    string
}

// Engine is an explicitly constructed execution engine instance.
type Engine struct {
	registry   *registry.Registry
	steps      *steps.Executor
	rules      *rules.Evaluator
	escalation escalation.Handler
	notifier   escalation.Notifier
	tracker    *tracker.Tracker
	fsm        *ExecutionFSM
	events     EventAppender
	pool       *WorkerPool
	logger     *slog.Logger
	cfg        config

	mu     sync.Mutex
	active map[string]*execution
	closed bool
	wg     sync.WaitGroup

	stopWatchdog chan struct{}
	watchdogDone chan struct{}
}

// New creates an Engine and starts its watchdog.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a workflow registry")
	}
	if deps.Steps == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a step executor")
	}

	cfg := config{
		maxRuntime:        DefaultMaxRuntime,
		watchdogInterval:  DefaultWatchdogInterval,
		exceptionWorkflow: DefaultExceptionWorkflow,
		workers:           DefaultWorkers,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Rules == nil {
		deps.Rules = rules.NewEvaluator()
	}
	if deps.Notifier == nil {
		deps.Notifier = &escalation.LogNotifier{Logger: logger}
	}
	if deps.Escalation == nil {
		deps.Escalation = escalation.NewManager(escalation.ManagerConfig{
			Approver: escalation.AutoApprover{Approve: true},
			Notifier: deps.Notifier,
			Logger:   logger,
		})
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(tracker.DefaultSize, tracker.WithLogger(logger))
	}

	events := Appenders(deps.Appenders)
	e := &Engine{
		registry:     deps.Registry,
		steps:        deps.Steps,
		rules:        deps.Rules,
		escalation:   deps.Escalation,
		notifier:     deps.Notifier,
		tracker:      deps.Tracker,
		fsm:          NewExecutionFSM(events),
		events:       events,
		pool:         NewWorkerPool(cfg.workers, logger),
		logger:       logger,
		cfg:          cfg,
		active:       make(map[string]*execution),
		stopWatchdog: make(chan struct{}),
		watchdogDone: make(chan struct{}),
	}

	e.fsm.OnAfter(schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
		func(ctx context.Context, _ string, _, _ schema.ExecutionStatus) error {
			logging.LogWith(ctx, e.logger).Info("execution started")
			return nil
		})

	if cfg.watchdogInterval > 0 && cfg.maxRuntime > 0 {
		go e.watchdog()
	} else {
		close(e.watchdogDone)
	}
	return e, nil
}

// Shutdown stops accepting executions and waits for running ones. When ctx
// ends first, the remaining executions are cancelled and awaited.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stopWatchdog)
	e.mu.Unlock()

	<-e.watchdogDone

	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, x := range e.active {
			x.cancel(ErrEngineShutdown)
		}
		e.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// RegisterWorkflow validates and registers a workflow definition.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *schema.Workflow) error {
	return e.registry.Register(ctx, wf)
}

// Workflows returns the workflow registry.
func (e *Engine) Workflows() *registry.Registry {
	return e.registry
}

// Execute runs a workflow to completion. The error is non-nil when no
// execution was created (NOT_FOUND, SHUTDOWN), or when the execution aborted
// on a definition, condition or engine error; the result is returned in the
// latter case too. Step failures and cancellations are reported through the
// Failed result only.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (*schema.ExecutionResult, error) {
	wf, err := e.lookup(ctx, workflowID, opts.Version)
	if err != nil {
		return nil, err
	}
	x, err := e.start(ctx, wf, input, opts)
	if err != nil {
		return nil, err
	}
	return e.run(x)
}

// ExecuteAsync starts a workflow on the worker pool and returns its execution
// id. The execution outlives ctx; cancel it with Cancel.
func (e *Engine) ExecuteAsync(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (string, error) {
	wf, err := e.lookup(ctx, workflowID, opts.Version)
	if err != nil {
		return "", err
	}
	x, err := e.start(context.WithoutCancel(ctx), wf, input, opts)
	if err != nil {
		return "", err
	}
	err = e.pool.Submit(ctx, func() error {
		_, err := e.run(x)
		return err
	})
	if err != nil {
		// The execution never ran: drop it without a trace in history.
		x.cancel(ErrEngineShutdown)
		e.remove(x)
		if errors.Is(err, ErrPoolShutdown) {
			return "", schema.NewError(schema.ErrCodeShutdown, "engine is shutting down").WithCause(err)
		}
		return "", err
	}
	return x.id, nil
}

// Cancel cancels an active execution. It ends Failed with a CANCELLED error.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	x, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q is not active", executionID).
			WithExecution(executionID)
	}
	x.cancel(ErrCancelRequested)
	return nil
}

// GetActiveExecutions returns a summary of every running execution, oldest first.
func (e *Engine) GetActiveExecutions() []schema.ExecutionSummary {
	e.mu.Lock()
	out := make([]schema.ExecutionSummary, 0, len(e.active))
	for _, x := range e.active {
		out = append(out, x.summary(e.cfg.now()))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// GetHistory returns the most recent finished executions, optionally for one workflow.
func (e *Engine) GetHistory(workflowID string, limit int) []schema.ExecutionSummary {
	return e.tracker.History(workflowID, limit)
}

// GetMetrics returns the current aggregate metrics.
func (e *Engine) GetMetrics() schema.AggregateMetrics {
	return e.tracker.Metrics()
}

// PoolMetrics returns the async worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// lookup resolves the workflow, sending unknown ids down the exception path.
func (e *Engine) lookup(ctx context.Context, workflowID, version string) (*schema.Workflow, error) {
	wf, err := e.registry.Lookup(workflowID, version)
	if err != nil {
		fe := schema.ToFlowError(err, schema.ErrCodeNotFound).WithWorkflow(workflowID)
		e.handleException(ctx, workflowID, fe)
		return nil, fe
	}
	return wf, nil
}

// start creates the execution in Pending and makes it visible as active.
func (e *Engine) start(parent context.Context, wf *schema.Workflow, input map[string]any, opts ExecuteOptions) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, schema.NewError(schema.ErrCodeShutdown, "engine is shutting down").WithWorkflow(wf.ID)
	}

	meta := schema.ExecutionMetadata{TriggeredBy: opts.TriggeredBy, Priority: opts.Priority}
	if meta.TriggeredBy == "" {
		meta.TriggeredBy = schema.DefaultTriggeredBy
	}
	if meta.Priority == "" {
		meta.Priority = schema.DefaultPriority
	}

	id := "exec_" + uuid.New().String()
	ctx := logging.WithIDs(parent, id, wf.ID)
	ctx, cancel := context.WithCancelCause(ctx)

	x := &execution{
		id:       id,
		workflow: wf,
		input:    input,
		meta:     meta,
		ctx:      ctx,
		cancel:   cancel,
		started:  e.cfg.now(),
		status:   schema.ExecutionStatusPending,
	}
	e.active[id] = x
	e.wg.Add(1)
	return x, nil
}

func (e *Engine) remove(x *execution) {
	e.mu.Lock()
	if _, ok := e.active[x.id]; ok {
		delete(e.active, x.id)
		e.wg.Done()
	}
	e.mu.Unlock()
}

// watchdog cancels executions running longer than the max runtime.
func (e *Engine) watchdog() {
	defer close(e.watchdogDone)
	ticker := time.NewTicker(e.cfg.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopWatchdog:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.cfg.now()
	var expired []*execution
	e.mu.Lock()
	for _, x := range e.active {
		if now.Sub(x.started) > e.cfg.maxRuntime && x.markExpired() {
			expired = append(expired, x)
		}
	}
	e.mu.Unlock()

	for _, x := range expired {
		logging.LogWith(x.ctx, e.logger).Warn("execution exceeded max runtime, cancelling",
			"running_for", now.Sub(x.started).String(), "max_runtime", e.cfg.maxRuntime.String())
		e.emit(x.ctx, x, schema.EventWatchdogCancelled, "", map[string]any{
			"max_runtime_ms": e.cfg.maxRuntime.Milliseconds(),
		})
		x.cancel(ErrMaxRuntimeExceeded)
	}
}

// emit publishes a non-transition event. Emit failures are logged only.
func (e *Engine) emit(ctx context.Context, x *execution, eventType, step string, data map[string]any) {
	ev := x.event(e.cfg.now(), data)
	ev.Type = eventType
	ev.Step = step
	if err := e.events.AppendEvent(context.WithoutCancel(ctx), &ev); err != nil {
		logging.LogWith(ctx, e.logger).Error("failed to emit event", "type", eventType, "error", err)
	}
}
