// Package engine admits workflow runs, drives them through their lifecycle
// and reports the outcome to the store and to observers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/spiral/internal/actions"
	"github.com/rendis/spiral/internal/conditions"
	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/internal/ratelimit"
	"github.com/rendis/spiral/internal/retry"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/validation"
	"github.com/rendis/spiral/pkg/schema"
)

// Store is the persistence the engine needs.
type Store interface {
	store.WorkflowStore
	store.HistoryStore
}

// Config tunes the engine.
type Config struct {
	Actions actions.Config
	// DefaultRetry applies to actions without their own retry policy.
	DefaultRetry *schema.RetryPolicy
	// MaxConcurrentRuns bounds the runs executing at once. Admitted runs
	// beyond it stay pending until a slot frees.
	MaxConcurrentRuns int
	// MaxPayloadBytes bounds trigger payloads of workflows without their own limit.
	MaxPayloadBytes int
	// Sleep replaces the retry backoff sleep. Used by tests.
	Sleep retry.SleepFunc
	Now   func() time.Time
}

const (
	DefaultMaxConcurrentRuns = 64
	DefaultMaxPayloadBytes   = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Observer receives run and action lifecycle events. Observers are called
// synchronously from the run goroutine and must not block.
type Observer func(ev schema.RunEvent)

// TriggerResult is returned synchronously by the trigger entrypoints.
type TriggerResult struct {
	RunID      string           `json:"run_id,omitempty"`
	WorkflowID string           `json:"workflow_id"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// run tracks one in-flight run.
type run struct {
	ec   *execution.Context
	wf   *schema.Workflow
	done chan struct{}
}

// Engine is the workflow orchestrator.
type Engine struct {
	store      Store
	cfg        Config
	exec       *actions.Executor
	validator  *validation.WorkflowValidator
	conditions *conditions.Evaluator
	limiter    *ratelimit.Registry
	fsm        *RunFSM
	logger     *slog.Logger
	now        func() time.Time
	slots      chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	// mu guards running and closed.
	mu      sync.Mutex
	running map[string]*run
	closed  bool
	wg      sync.WaitGroup

	metricMu    sync.Mutex
	metricState map[string]bool
}

// New creates an engine. deps wires the action handlers; a nil Runner is
// replaced by the engine itself so invoke_sub_workflow starts local runs.
func New(st Store, cfg Config, deps actions.Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	cond := conditions.NewEvaluator(cel, logger)

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:       st,
		cfg:         cfg,
		conditions:  cond,
		limiter:     ratelimit.NewRegistry(cfg.Now),
		logger:      logger,
		now:         cfg.Now,
		slots:       make(chan struct{}, cfg.MaxConcurrentRuns),
		baseCtx:     baseCtx,
		stop:        stop,
		observers:   make(map[int]Observer),
		running:     make(map[string]*run),
		metricState: make(map[string]bool),
	}
	e.fsm = NewRunFSM(e.emit, cfg.Now)
	e.fsm.OnAfter(schema.RunPending, schema.RunRunning, e.persistHook)
	for _, terminal := range []schema.RunStatus{schema.RunCompleted, schema.RunFailed, schema.RunCancelled} {
		e.fsm.OnEnter(terminal, e.completeHook)
	}

	e.validator, err = validation.NewWorkflowValidator(cond, e.resolveWorkflow)
	if err != nil {
		stop()
		return nil, fmt.Errorf("create validator: %w", err)
	}

	e.exec = actions.NewExecutor(cfg.Actions, retry.NewController(cfg.DefaultRetry, cfg.Sleep), cond, e.emit, logger)
	if deps.Runner == nil {
		deps.Runner = e
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	if err := actions.RegisterBuiltins(e.exec, deps); err != nil {
		stop()
		return nil, err
	}
	return e, nil
}

// Executor returns the action executor.
func (e *Engine) Executor() *actions.Executor { return e.exec }

// Validator returns the workflow validator bound to the engine's store.
func (e *Engine) Validator() *validation.WorkflowValidator { return e.validator }

// Subscribe registers an observer and returns a function that removes it.
func (e *Engine) Subscribe(obs Observer) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = obs
	e.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.obsMu.Lock()
			delete(e.observers, id)
			e.obsMu.Unlock()
		})
	}
}

func (e *Engine) emit(ev schema.RunEvent) {
	e.obsMu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for _, id := range sortedKeys(e.observers) {
		observers = append(observers, e.observers[id])
	}
	e.obsMu.RUnlock()

	for _, obs := range observers {
		e.notify(obs, ev)
	}
}

func (e *Engine) notify(obs Observer, ev schema.RunEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("observer panicked", slog.String("event", ev.Type), slog.Any("panic", r))
		}
	}()
	obs(ev)
}

// Trigger admits a run of the workflow and starts it asynchronously. The
// returned status is the run's initial status.
func (e *Engine) Trigger(ctx context.Context, workflowID string, payload map[string]any) (*TriggerResult, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.trigger(ctx, wf, payload, "")
}

// TriggerByName is Trigger addressed by workflow name.
func (e *Engine) TriggerByName(ctx context.Context, name string, payload map[string]any) (*TriggerResult, error) {
	wf, err := e.store.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.trigger(ctx, wf, payload, "")
}

// Execute admits a run and waits for it to finish. If ctx ends first the
// run keeps going and ctx's error is returned.
func (e *Engine) Execute(ctx context.Context, workflowID string, payload map[string]any) (*schema.RunRecord, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	r, err := e.admit(ctx, wf, payload, "")
	if err != nil {
		return nil, err
	}
	e.start(r)
	select {
	case <-r.done:
		return r.ec.Record(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) trigger(ctx context.Context, wf *schema.Workflow, payload map[string]any, parentRunID string) (*TriggerResult, error) {
	r, err := e.admit(ctx, wf, payload, parentRunID)
	if err != nil {
		return nil, err
	}
	e.start(r)
	return &TriggerResult{RunID: r.ec.RunID(), WorkflowID: wf.ID, Status: schema.RunPending}, nil
}

// Cancel requests cancellation of an active run. It is honored at the next
// action boundary.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	r, ok := e.lookup(runID)
	if !ok {
		rec, err := e.store.GetExecutionHistory(ctx, runID)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, rec.Status)
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not active in this process", runID)
	}
	if status := r.ec.Status(); status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, status)
	}
	r.ec.Log(schema.LevelWarn, "", "cancellation requested")
	r.ec.Cancel()
	return nil
}

// Status returns the live record of an active run, or the persisted one.
func (e *Engine) Status(ctx context.Context, runID string) (*schema.RunRecord, error) {
	if r, ok := e.lookup(runID); ok {
		return r.ec.Record(), nil
	}
	return e.store.GetExecutionHistory(ctx, runID)
}

// StartSubWorkflow implements actions.WorkflowRunner.
func (e *Engine) StartSubWorkflow(ctx context.Context, name string, payload map[string]any, parentRunID string) (string, error) {
	wf, err := e.store.GetWorkflowByName(ctx, name)
	if err != nil {
		return "", err
	}
	res, err := e.trigger(ctx, wf, payload, parentRunID)
	if err != nil {
		return "", err
	}
	return res.RunID, nil
}

// RunStatus implements actions.WorkflowRunner.
func (e *Engine) RunStatus(ctx context.Context, runID string) (*schema.RunRecord, error) {
	return e.Status(ctx, runID)
}

// CancelRun implements actions.WorkflowRunner.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.Cancel(ctx, runID)
}

// Running returns the ids of the runs admitted and not yet finished.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.running)
}

// Shutdown stops admitting runs, asks the active ones to cancel at their
// next boundary and waits for them. When ctx ends first, in-flight actions
// are interrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	active := make([]*run, 0, len(e.running))
	for _, r := range e.running {
		active = append(active, r)
	}
	e.mu.Unlock()

	for _, r := range active {
		r.ec.Cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) lookup(runID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.running[runID]
	return r, ok
}

func (e *Engine) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeCancelled, "engine is shutting down")
	}
	e.running[r.ec.RunID()] = r
	e.wg.Add(1)
	return nil
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) resolveWorkflow(name string) (*schema.Workflow, bool) {
	wf, err := e.store.GetWorkflowByName(context.Background(), name)
	return wf, err == nil
}

func newRunID() string { return uuid.NewString() }
