// Package scheduler starts workflows from their triggers: "schedule:<cron>"
// triggers run on a cron schedule, every other trigger is a named event
// fired through Fire.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultTickInterval is how often due cron jobs are checked.
const DefaultTickInterval = 15 * time.Second

// Runner starts executions. Satisfied by *engine.Engine.
type Runner interface {
	ExecuteAsync(ctx context.Context, workflowID string, input map[string]any, opts engine.ExecuteOptions) (string, error)
}

// Job is one cron trigger of one workflow.
type Job struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Cron       string    `json:"cron"`
	NextRunAt  time.Time `json:"next_run_at"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`

	schedule cron.Schedule
}

// Scheduler keeps the trigger table in sync with registered workflows and
// runs due jobs from a ticker loop.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job                // job id -> job
	events map[string]map[string]struct{} // event -> workflow ids

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently starting (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that starts executions through runner.
func New(runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultTickInterval,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		events:   make(map[string]map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync replaces the triggers of wf.ID with those of wf. It is meant to be
// called with the latest version of every registered workflow
// (registry.OnRegister).
func (s *Scheduler) Sync(wf *schema.Workflow) {
	if wf == nil {
		return
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, job := range s.jobs {
		if job.WorkflowID == wf.ID {
			delete(s.jobs, id)
		}
	}
	for name, subs := range s.events {
		delete(subs, wf.ID)
		if len(subs) == 0 {
			delete(s.events, name)
		}
	}

	for _, trigger := range wf.Triggers {
		expr, isCron := strings.CutPrefix(trigger, validation.SchedulePrefix)
		if !isCron {
			if s.events[trigger] == nil {
				s.events[trigger] = make(map[string]struct{})
			}
			s.events[trigger][wf.ID] = struct{}{}
			continue
		}

		expr = strings.TrimSpace(expr)
		schedule, err := s.parser.Parse(expr)
		if err != nil {
			s.logger.Error("invalid schedule trigger", "workflow_id", wf.ID, "cron", expr, "error", err)
			continue
		}
		job := &Job{
			ID:         jobID(wf.ID, expr),
			WorkflowID: wf.ID,
			Cron:       expr,
			NextRunAt:  schedule.Next(now),
			schedule:   schedule,
		}
		s.jobs[job.ID] = job
	}
}

func jobID(workflowID, expr string) string {
	return workflowID + "@" + expr
}

// Fire starts every workflow subscribed to event and returns the execution
// ids. NOT_FOUND when nothing subscribes to it.
func (s *Scheduler) Fire(ctx context.Context, event string, input map[string]any) ([]string, error) {
	s.mu.Lock()
	var targets []string
	for id := range s.events[event] {
		targets = append(targets, id)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow is triggered by %q", event).
			WithDetails(map[string]any{"event": event})
	}
	sort.Strings(targets)

	ids := make([]string, 0, len(targets))
	var errs []string
	for _, wfID := range targets {
		payload := schema.CloneMap(input)
		if payload == nil {
			payload = map[string]any{}
		}
		payload["trigger"] = event
		id, err := s.runner.ExecuteAsync(ctx, wfID, payload, engine.ExecuteOptions{TriggeredBy: "event:" + event})
		if err != nil {
			s.logger.Error("failed to start triggered workflow", "event", event, "workflow_id", wfID, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", wfID, err))
			continue
		}
		s.logger.Info("event triggered workflow", "event", event, "workflow_id", wfID, "execution_id", id)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "event %q started no workflow: %s",
			event, strings.Join(errs, "; "))
	}
	return ids, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()), "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now().UTC())
		}
	}
}

// tick starts every job whose next run is due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if !job.NextRunAt.After(now) {
			due = append(due, *job)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue
		}
		s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) {
	input := map[string]any{
		"trigger":      validation.SchedulePrefix + job.Cron,
		"scheduled_at": now.Format(time.RFC3339),
	}
	id, err := s.runner.ExecuteAsync(ctx, job.WorkflowID, input, engine.ExecuteOptions{
		TriggeredBy: validation.SchedulePrefix + job.Cron,
	})
	status := "started"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled workflow failed to start",
			"job_id", job.ID, "workflow_id", job.WorkflowID, "error", err)
	} else {
		s.logger.Info("scheduled workflow started",
			"job_id", job.ID, "workflow_id", job.WorkflowID, "execution_id", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The job may have been replaced by a Sync while it was starting.
	if cur, ok := s.jobs[job.ID]; ok {
		cur.LastRunAt = now
		cur.LastStatus = status
		cur.NextRunAt = cur.schedule.Next(now)
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Jobs returns the cron jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns each named event with its subscribed workflow ids, sorted.
func (s *Scheduler) Events() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.events))
	for name, subs := range s.events {
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[name] = ids
	}
	return out
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
