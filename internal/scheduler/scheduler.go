// Package scheduler fires time_schedule workflows on their cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/validation"
	"github.com/rendis/spiral/pkg/schema"
)

// WorkflowLister lists the workflows to schedule.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// Runner starts a run of a workflow. Satisfied by *engine.Engine.
type Runner interface {
	Trigger(ctx context.Context, workflowID string, payload map[string]any) (*engine.TriggerResult, error)
}

// DefaultTickInterval is how often schedules are checked.
const DefaultTickInterval = 10 * time.Second

// Schedule is the scheduling state of one workflow.
type Schedule struct {
	WorkflowID    string     `json:"workflow_id"`
	Cron          string     `json:"cron"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	schedule cron.Schedule
	payload  map[string]any
}

// Scheduler polls enabled time_schedule workflows and triggers those that
// are due. A schedule first seen is armed for its next occurrence, not fired.
type Scheduler struct {
	workflows WorkflowLister
	runner    Runner
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	stateMu   sync.Mutex
	schedules map[string]*Schedule

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs being fired (dedup)
}

// NewScheduler creates a Scheduler. A non-positive interval uses
// DefaultTickInterval; a nil now uses time.Now.
func NewScheduler(workflows WorkflowLister, runner Runner, interval time.Duration, now func() time.Time, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workflows: workflows,
		runner:    runner,
		interval:  interval,
		now:       now,
		logger:    logger,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick refreshes the schedules from the store and fires the due ones.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	wfs, err := s.workflows.ListWorkflows(ctx, store.WorkflowFilter{Enabled: &enabled, TriggerKind: schema.TriggerTimeSchedule})
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	due := s.refresh(wfs, now)
	for _, id := range due {
		if !s.tryAcquire(id) {
			continue
		}
		s.fire(ctx, id, now)
		s.release(id)
	}
}

// refresh syncs the schedule table with wfs and returns the ids due at now.
func (s *Scheduler) refresh(wfs []*schema.Workflow, now time.Time) []string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	seen := make(map[string]bool, len(wfs))
	for _, wf := range wfs {
		var cfg schema.ScheduleTriggerConfig
		if len(wf.Trigger.Config) > 0 {
			if err := json.Unmarshal(wf.Trigger.Config, &cfg); err != nil {
				s.logger.Warn("invalid schedule config", slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
				continue
			}
		}
		seen[wf.ID] = true

		current, ok := s.schedules[wf.ID]
		if ok && current.Cron == cfg.Cron {
			current.payload = cfg.Payload
			continue
		}
		sched, err := validation.ParseCron(cfg.Cron)
		if err != nil {
			s.logger.Warn("invalid cron expression",
				slog.String("workflow_id", wf.ID), slog.String("cron", cfg.Cron), slog.String("error", err.Error()))
			delete(s.schedules, wf.ID)
			continue
		}
		s.schedules[wf.ID] = &Schedule{
			WorkflowID: wf.ID,
			Cron:       cfg.Cron,
			NextRunAt:  sched.Next(now),
			schedule:   sched,
			payload:    cfg.Payload,
		}
	}

	for id := range s.schedules {
		if !seen[id] {
			delete(s.schedules, id)
		}
	}

	var due []string
	for _, id := range slices.Sorted(maps.Keys(s.schedules)) {
		if !s.schedules[id].NextRunAt.After(now) {
			due = append(due, id)
		}
	}
	return due
}

// fire triggers one due workflow and advances its schedule.
func (s *Scheduler) fire(ctx context.Context, workflowID string, now time.Time) {
	s.stateMu.Lock()
	sched, ok := s.schedules[workflowID]
	if !ok {
		s.stateMu.Unlock()
		return
	}
	scheduledFor := sched.NextRunAt
	payload := make(map[string]any, len(sched.payload)+1)
	maps.Copy(payload, sched.payload)
	s.stateMu.Unlock()

	if _, set := payload["scheduled_at"]; !set {
		payload["scheduled_at"] = scheduledFor.UTC().Format(time.RFC3339)
	}

	s.logger.Info("running scheduled workflow", slog.String("workflow_id", workflowID), slog.Time("scheduled_for", scheduledFor))
	res, err := s.runner.Trigger(ctx, workflowID, payload)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	sched, ok = s.schedules[workflowID]
	if !ok {
		return
	}
	sched.LastRunAt = &now
	sched.NextRunAt = sched.schedule.Next(now)
	if err != nil {
		sched.LastRunStatus = "error"
		sched.LastError = err.Error()
		sched.LastRunID = ""
		s.logger.Error("scheduled workflow not started",
			slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		return
	}
	sched.LastRunStatus = string(res.Status)
	sched.LastRunID = res.RunID
	sched.LastError = ""
}

// Schedules returns a snapshot of the schedule table ordered by workflow id.
func (s *Scheduler) Schedules() []Schedule {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, id := range slices.Sorted(maps.Keys(s.schedules)) {
		sc := *s.schedules[id]
		sc.schedule, sc.payload = nil, nil
		out = append(out, sc)
	}
	return out
}

// tryAcquire returns true and marks the workflow as in-flight if it is not already being fired.
func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// NextRun computes the next occurrence of a cron expression after from.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := validation.ParseCron(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
