package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// --- Mock lister ---

type mockLister struct {
	mu        sync.Mutex
	workflows []*schema.Workflow
	filters   []store.WorkflowFilter
	err       error
}

func (m *mockLister) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	if m.err != nil {
		return nil, m.err
	}
	return m.workflows, nil
}

func (m *mockLister) set(wfs ...*schema.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = wfs
}

// --- Mock runner ---

type triggerCall struct {
	workflowID string
	payload    map[string]any
}

type mockRunner struct {
	mu    sync.Mutex
	calls []triggerCall
	err   error
}

func (r *mockRunner) Trigger(_ context.Context, workflowID string, payload map[string]any) (*engine.TriggerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, triggerCall{workflowID: workflowID, payload: payload})
	if r.err != nil {
		return nil, r.err
	}
	return &engine.TriggerResult{RunID: "run-" + workflowID, WorkflowID: workflowID, Status: schema.RunPending}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// --- Clock ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func scheduled(id, cronExpr string, payload map[string]any) *schema.Workflow {
	cfg, _ := json.Marshal(schema.ScheduleTriggerConfig{Cron: cronExpr, Payload: payload})
	return &schema.Workflow{
		ID:      id,
		Name:    id,
		Enabled: true,
		Trigger: schema.Trigger{Kind: schema.TriggerTimeSchedule, Config: cfg},
	}
}

func newTestScheduler(l WorkflowLister, r Runner, c *clock) *Scheduler {
	return NewScheduler(l, r, time.Hour, c.Now, slog.Default())
}

// --- Tests ---

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = NextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = NextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickListsEnabledScheduledWorkflows(t *testing.T) {
	lister := &mockLister{}
	c := &clock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, &mockRunner{}, c)

	sched.Tick(context.Background())

	require.Len(t, lister.filters, 1)
	require.NotNil(t, lister.filters[0].Enabled)
	assert.True(t, *lister.filters[0].Enabled)
	assert.Equal(t, schema.TriggerTimeSchedule, lister.filters[0].TriggerKind)
}

func TestFirstSightArmsWithoutFiring(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("hourly", "0 * * * *", nil))
	runner := &mockRunner{}
	c := &clock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, runner, c)

	sched.Tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
	schedules := sched.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "hourly", schedules[0].WorkflowID)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), schedules[0].NextRunAt)
	assert.Nil(t, schedules[0].LastRunAt)
}

func TestTickRunsDueWorkflows(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("hourly", "0 * * * *", map[string]any{"region": "eu"}))
	runner := &mockRunner{}
	c := &clock{now: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, runner, c)
	ctx := context.Background()

	sched.Tick(ctx)
	require.Equal(t, 0, runner.callCount())

	c.set(time.Date(2026, 2, 10, 13, 0, 5, 0, time.UTC))
	sched.Tick(ctx)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "hourly", call.workflowID)
	assert.Equal(t, "eu", call.payload["region"])
	assert.Equal(t, "2026-02-10T13:00:00Z", call.payload["scheduled_at"])

	schedules := sched.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC), schedules[0].NextRunAt)
	require.NotNil(t, schedules[0].LastRunAt)
	assert.Equal(t, "run-hourly", schedules[0].LastRunID)
	assert.Equal(t, string(schema.RunPending), schedules[0].LastRunStatus)

	// Same minute again: not due.
	sched.Tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestExplicitScheduledAtIsKept(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("nightly", "@daily", map[string]any{"scheduled_at": "fixed"}))
	runner := &mockRunner{}
	c := &clock{now: time.Date(2026, 2, 10, 23, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, runner, c)
	ctx := context.Background()

	sched.Tick(ctx)
	c.set(time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC))
	sched.Tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "fixed", runner.calls[0].payload["scheduled_at"])
}

func TestTriggerErrorIsRecorded(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("hourly", "0 * * * *", nil))
	runner := &mockRunner{err: schema.NewErrorf(schema.ErrCodeRateLimited, "rate limit exceeded")}
	c := &clock{now: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, runner, c)
	ctx := context.Background()

	sched.Tick(ctx)
	c.set(time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC))
	sched.Tick(ctx)

	schedules := sched.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "error", schedules[0].LastRunStatus)
	assert.Contains(t, schedules[0].LastError, "rate limit")
	assert.Equal(t, time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC), schedules[0].NextRunAt)
}

func TestRemovedWorkflowsAreDropped(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("a", "0 * * * *", nil), scheduled("b", "*/5 * * * *", nil))
	c := &clock{now: time.Date(2026, 2, 10, 12, 1, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, &mockRunner{}, c)
	ctx := context.Background()

	sched.Tick(ctx)
	require.Len(t, sched.Schedules(), 2)

	lister.set(scheduled("b", "*/5 * * * *", nil))
	sched.Tick(ctx)

	schedules := sched.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "b", schedules[0].WorkflowID)
}

func TestChangedCronRearms(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("job", "0 * * * *", nil))
	c := &clock{now: time.Date(2026, 2, 10, 12, 1, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, &mockRunner{}, c)
	ctx := context.Background()

	sched.Tick(ctx)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), sched.Schedules()[0].NextRunAt)

	lister.set(scheduled("job", "*/15 * * * *", nil))
	sched.Tick(ctx)
	assert.Equal(t, "*/15 * * * *", sched.Schedules()[0].Cron)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), sched.Schedules()[0].NextRunAt)
}

func TestInvalidCronIsSkipped(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("bad", "not a cron", nil), scheduled("good", "0 * * * *", nil))
	c := &clock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, &mockRunner{}, c)

	sched.Tick(context.Background())

	schedules := sched.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "good", schedules[0].WorkflowID)
}

func TestListErrorLeavesSchedulesUntouched(t *testing.T) {
	lister := &mockLister{}
	lister.set(scheduled("job", "0 * * * *", nil))
	c := &clock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, &mockRunner{}, c)
	ctx := context.Background()

	sched.Tick(ctx)
	lister.mu.Lock()
	lister.err = errors.New("db down")
	lister.mu.Unlock()
	sched.Tick(ctx)

	assert.Len(t, sched.Schedules(), 1)
}

func TestInflightDedup(t *testing.T) {
	sched := newTestScheduler(&mockLister{}, &mockRunner{}, &clock{})

	assert.True(t, sched.tryAcquire("wf-1"))
	assert.False(t, sched.tryAcquire("wf-1"))
	sched.release("wf-1")
	assert.True(t, sched.tryAcquire("wf-1"))
}

func TestStartStop(t *testing.T) {
	lister := &mockLister{}
	c := &clock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(lister, &mockRunner{}, c)

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()))

	assert.Eventually(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return len(lister.filters) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
