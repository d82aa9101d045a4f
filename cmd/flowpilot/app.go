package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/flowpilot/internal/decisions"
	"github.com/rendis/flowpilot/internal/definitions"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/internal/scheduler"
	"github.com/rendis/flowpilot/internal/steps"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/internal/tracker"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// app is the fully wired runtime shared by serve, mcp and run.
type app struct {
	cfg    *Config
	logger *slog.Logger

	store     store.Store
	redis     *redis.Client
	loader    *definitions.Loader
	validator *validation.WorkflowValidator
	router    *escalation.Router
	queue     *escalation.Queue // nil in auto approval mode
	hub       *streaming.MemoryHub
	scheduler *scheduler.Scheduler // nil when disabled
	engine    *engine.Engine
}

type appOptions struct {
	scheduler bool
}

// toolchain is the step and validation machinery, usable without an engine.
type toolchain struct {
	rules     *rules.Evaluator
	decisions *decisions.Registry
	steps     *steps.Registry
	validator *validation.WorkflowValidator
	loader    *definitions.Loader
}

func newToolchain(cfg *Config, notifier escalation.Notifier, approver escalation.Approver, logger *slog.Logger) (*toolchain, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	dec := decisions.NewRegistry()
	if err := decisions.RegisterBuiltins(dec, decisions.BuiltinOptions{CEL: cel}); err != nil {
		return nil, err
	}

	ev := rules.NewEvaluator()
	stepReg := steps.NewRegistry()
	err = steps.RegisterBuiltins(stepReg, steps.BuiltinDeps{
		Rules:     ev,
		Decisions: dec,
		Notifier:  notifier,
		Approver:  approver,
		HTTP: steps.HTTPConfig{
			BaseURL:        cfg.HTTP.BaseURL,
			DefaultTimeout: cfg.HTTP.Timeout,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("register step handlers: %w", err)
	}

	v, err := validation.NewWorkflowValidator(stepReg, validation.ConditionCompilerFunc(func(expr string) error {
		_, err := ev.Compile(expr)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("workflow validator: %w", err)
	}

	return &toolchain{
		rules:     ev,
		decisions: dec,
		steps:     stepReg,
		validator: v,
		loader:    definitions.NewLoader(v.JSONSchema()),
	}, nil
}

func newApp(ctx context.Context, cfg *Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		a.closeStores()
		return nil, err
	}
	if err := a.build(ctx, opts); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, opts appOptions) error {
	cfg, logger := a.cfg, a.logger

	var history store.HistoryStore = a.store
	if a.redis != nil {
		history = store.NewRedisHistory(a.redis, cfg.Redis.Key, cfg.Engine.HistorySize)
	}
	perf := tracker.New(cfg.Engine.HistorySize, tracker.WithHistoryStore(history), tracker.WithLogger(logger))
	if n, err := perf.Restore(ctx); err != nil {
		logger.Warn("restore execution history failed", "error", err)
	} else if n > 0 {
		logger.Info("execution history restored", "summaries", n)
	}

	logNotifier := &escalation.LogNotifier{Logger: logger}
	a.router = escalation.NewRouter(logNotifier)
	a.router.Handle("log", logNotifier)
	if cfg.Notifications.WebhookURL != "" {
		a.router.Handle("webhook", escalation.NewWebhookNotifier(cfg.Notifications.WebhookURL))
	}

	var approver escalation.Approver
	if cfg.Approvals.Mode == approvalAuto {
		approver = escalation.AutoApprover{Approve: cfg.Approvals.AutoApprove, Approver: "auto"}
	} else {
		a.queue = escalation.NewQueue(&approvalLog{logger: logger})
		approver = a.queue
	}

	tc, err := newToolchain(cfg, a.router, approver, logger)
	if err != nil {
		return err
	}
	a.loader = tc.loader
	a.validator = tc.validator
	a.hub = streaming.NewMemoryHub()

	reg := registry.New(
		registry.WithStore(a.store),
		registry.WithValidator(tc.validator),
		registry.WithLogger(logger),
		registry.OnRegister(func(wf *schema.Workflow) {
			if a.scheduler != nil {
				a.scheduler.Sync(wf)
			}
		}),
	)

	a.engine, err = engine.New(engine.Deps{
		Registry: reg,
		Steps:    steps.NewExecutor(tc.steps, logger),
		Rules:    tc.rules,
		Escalation: escalation.NewManager(escalation.ManagerConfig{
			Approver: approver,
			Notifier: a.router,
			Logger:   logger,
		}),
		Notifier:  a.router,
		Tracker:   perf,
		Appenders: []engine.EventAppender{a.hub, a.store},
		Logger:    logger,
	},
		engine.WithMaxRuntime(cfg.Engine.MaxRuntime),
		engine.WithWatchdogInterval(cfg.Engine.WatchdogInterval),
		engine.WithExceptionWorkflow(cfg.Engine.ExceptionWorkflow),
		engine.WithWorkers(cfg.Engine.Workers),
	)
	if err != nil {
		return err
	}
	if opts.scheduler && cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(a.engine, logger)
	}

	if err := a.loadWorkflows(ctx); err != nil {
		_ = a.engine.Shutdown(ctx)
		return err
	}
	return nil
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case storeLibSQL:
		s, err := store.NewLibSQLStore(a.cfg.libSQLPath())
		if err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return fmt.Errorf("migrate store: %w", err)
		}
		a.store = s
	default:
		a.store = store.NewMemoryStore()
	}

	if a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		a.redis = client
	}
	return nil
}

// loadWorkflows registers stored versions, then the embedded defaults, then
// the configured directory.
func (a *app) loadWorkflows(ctx context.Context) error {
	reg := a.engine.Workflows()
	n, err := reg.Load(ctx)
	if err != nil {
		return fmt.Errorf("load stored workflows: %w", err)
	}
	if n > 0 {
		a.logger.Info("stored workflows loaded", "versions", n)
	}

	if a.cfg.Workflows.Defaults {
		wfs, err := a.loader.Defaults()
		if err != nil {
			return fmt.Errorf("load default workflows: %w", err)
		}
		// Defaults never block startup: a stored version with the same
		// (id, version) but different content wins.
		for _, wf := range wfs {
			if err := a.engine.RegisterWorkflow(ctx, wf); err != nil {
				a.logger.Warn("default workflow not registered", "workflow_id", wf.ID, "error", err)
			}
		}
	}

	if a.cfg.Workflows.Dir != "" {
		wfs, err := a.loader.LoadDir(a.cfg.Workflows.Dir)
		if err != nil {
			return err
		}
		if err := a.register(ctx, wfs); err != nil {
			return err
		}
	}
	return nil
}

// loadFiles registers every workflow in the given definition files.
func (a *app) loadFiles(ctx context.Context, paths []string) error {
	for _, p := range paths {
		wfs, err := a.loader.LoadFile(p)
		if err != nil {
			return err
		}
		if err := a.register(ctx, wfs); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (a *app) register(ctx context.Context, wfs []*schema.Workflow) error {
	for _, wf := range wfs {
		if err := a.engine.RegisterWorkflow(ctx, wf); err != nil {
			return err
		}
		a.logger.Debug("workflow registered", "workflow_id", wf.ID, "version", wf.Version)
	}
	return nil
}

// close stops the scheduler, drains the engine and closes the stores.
func (a *app) close(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	err := a.engine.Shutdown(ctx)
	return errors.Join(err, a.closeStores())
}

func (a *app) closeStores() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// approvalLog logs approvals entering and leaving the queue.
type approvalLog struct {
	logger *slog.Logger
}

func (l *approvalLog) ApprovalRequested(req escalation.ApprovalRequest) {
	l.logger.Info("approval requested",
		"approval_id", req.ID,
		"execution_id", req.ExecutionID,
		"step", req.Step,
		"approvers", req.Approvers)
}

func (l *approvalLog) ApprovalResolved(req escalation.ApprovalRequest, d escalation.ApprovalDecision) {
	l.logger.Info("approval resolved",
		"approval_id", req.ID,
		"execution_id", req.ExecutionID,
		"approved", d.Approved,
		"approver", d.Approver)
}
