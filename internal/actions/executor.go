package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/spiral/internal/conditions"
	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/internal/retry"
	"github.com/rendis/spiral/pkg/schema"
)

// Config tunes the executor and the built-in handlers.
type Config struct {
	// DefaultTimeout bounds each attempt of actions without their own timeout.
	// Composite kinds, delay and invoke_sub_workflow are exempt.
	DefaultTimeout time.Duration
	// MinDelay is the floor of a priority-scaled delay.
	MinDelay time.Duration
	// PollInterval is the default sub-workflow status poll interval.
	PollInterval time.Duration
	// MaxResponseBody caps the bytes read from an outbound call response.
	MaxResponseBody int64
	// PriorityConcurrency is the parallel-group cap per run priority.
	PriorityConcurrency map[string]int
	// DelayFactors scale delay durations per run priority.
	DelayFactors map[string]float64
}

const (
	defaultActionTimeout = 30 * time.Second
	defaultMinDelay      = 10 * time.Millisecond
	defaultPollInterval  = 500 * time.Millisecond
	minPollInterval      = 10 * time.Millisecond
	maxPollInterval      = 30 * time.Second
)

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  defaultActionTimeout,
		MinDelay:        defaultMinDelay,
		PollInterval:    defaultPollInterval,
		MaxResponseBody: defaultMaxResponseBody,
		PriorityConcurrency: map[string]int{
			schema.PriorityLow:    1,
			schema.PriorityNormal: 2,
			schema.PriorityHigh:   4,
			schema.PriorityUrgent: 8,
		},
		DelayFactors: map[string]float64{
			schema.PriorityLow:    1.5,
			schema.PriorityNormal: 1,
			schema.PriorityHigh:   0.5,
			schema.PriorityUrgent: 0.25,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MinDelay <= 0 {
		c.MinDelay = d.MinDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = d.MaxResponseBody
	}
	if len(c.PriorityConcurrency) == 0 {
		c.PriorityConcurrency = d.PriorityConcurrency
	}
	if len(c.DelayFactors) == 0 {
		c.DelayFactors = d.DelayFactors
	}
	return c
}

// Executor runs actions through their handlers.
type Executor struct {
	cfg        Config
	registry   *Registry
	retry      *retry.Controller
	conditions *conditions.Evaluator
	sink       EventSink
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an executor with an empty registry. A nil controller
// retries nothing beyond the action's own policy; a nil sink drops events.
func NewExecutor(cfg Config, ctrl *retry.Controller, cond *conditions.Evaluator, sink EventSink, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if ctrl == nil {
		ctrl = retry.NewController(nil, nil)
	}
	if cond == nil {
		cond = conditions.NewEvaluator(nil, logger)
	}
	if sink == nil {
		sink = func(schema.RunEvent) {}
	}
	return &Executor{
		cfg:        cfg.withDefaults(),
		registry:   NewRegistry(),
		retry:      ctrl,
		conditions: cond,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Registry returns the handler table.
func (e *Executor) Registry() *Registry { return e.registry }

// Conditions returns the evaluator used for action gating and branches.
func (e *Executor) Conditions() *conditions.Evaluator { return e.conditions }

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// RunSequence executes actions in document order. Cancellation is honored
// between actions only. An action whose conditions do not hold is skipped.
// A failed action stops the sequence unless it continues on error.
func (e *Executor) RunSequence(ctx context.Context, actions []schema.Action, ec *execution.Context) error {
	for i := range actions {
		a := &actions[i]
		if ec.IsCancelled() {
			return schema.CancelledError(ec.RunID())
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(a.Conditions) > 0 && !e.conditions.Evaluate(ctx, a.Conditions, ec) {
			ec.Log(schema.LevelInfo, a.ID, "action %s skipped: conditions not met", a.ID)
			e.emit(ec, schema.EventActionSkipped, a.ID, 0, nil)
			continue
		}

		if _, err := e.Execute(ctx, a, ec); err != nil {
			if schema.IsCode(err, schema.ErrCodeCancelled) {
				return err
			}
			if a.ContinueOnError {
				ec.Log(schema.LevelWarn, a.ID, "action %s failed, continuing: %s", a.ID, err.Error())
				continue
			}
			return err
		}
		ec.Log(schema.LevelDebug, a.ID, "action %s completed", a.ID)
	}
	return nil
}

// Execute runs one action under its retry policy and timeout and stores the
// result in the context. Conditions are not evaluated here.
func (e *Executor) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	ctx = logging.WithActionID(logging.WithRun(ctx, ec.WorkflowID(), ec.RunID()), action.ID)
	log := logging.LogWith(ctx, e.logger)

	h, err := e.registry.Get(action.Kind)
	if err != nil {
		return nil, e.fail(ec, action, err, 0)
	}
	timeout, err := e.timeoutFor(action)
	if err != nil {
		return nil, e.fail(ec, action, schema.ValidationError("invalid timeout %q", action.Timeout).WithCause(err), 0)
	}

	ec.SetCurrentAction(action.ID)
	ec.MarkActionRun()
	e.emit(ec, schema.EventActionStarted, action.ID, 1, nil)
	log.Debug("action started", slog.String("kind", string(action.Kind)))

	var result any
	attempts, err := e.retry.Do(ctx, retryFor(action), func(ctx context.Context, attempt int) error {
		out, err := e.attempt(ctx, h, action, ec, timeout)
		if err != nil {
			return err
		}
		result = out
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		ec.Log(schema.LevelWarn, action.ID, "attempt %d failed, retrying in %s: %s", attempt, delay, err.Error())
		e.emit(ec, schema.EventActionRetrying, action.ID, attempt+1, err)
		log.Warn("action retrying", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", err.Error()))
	})
	if err != nil {
		return nil, e.fail(ec, action, err, attempts)
	}

	if setErr := ec.Set(execution.ResultKey(action.ID), result); setErr != nil && !errors.Is(setErr, execution.ErrArchived) {
		return nil, e.fail(ec, action, setErr, attempts)
	}
	e.emit(ec, schema.EventActionCompleted, action.ID, attempts, nil)
	log.Debug("action completed", slog.Int("attempts", attempts))
	return result, nil
}

// attempt races one handler invocation against the action deadline.
func (e *Executor) attempt(ctx context.Context, h Handler, action *schema.Action, ec *execution.Context, timeout time.Duration) (any, error) {
	actx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: schema.ActionFailure(action.ID, "handler panicked: %v", r)}
			}
		}()
		v, err := h.Execute(actx, action, ec)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, schema.ActionTimeout(action.ID, timeout)
		}
		return out.value, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.ActionTimeout(action.ID, timeout)
	}
}

func (e *Executor) timeoutFor(action *schema.Action) (time.Duration, error) {
	d, err := action.TimeoutDuration()
	if err != nil || d > 0 {
		return d, err
	}
	if composite(action.Kind) {
		return 0, nil
	}
	return e.cfg.DefaultTimeout, nil
}

var singleAttempt = &schema.RetryPolicy{MaxAttempts: 1}

// retryFor returns the policy passed to the retry controller. Composite
// kinds only get retries they declare; their children carry their own.
func retryFor(action *schema.Action) *schema.RetryPolicy {
	if action.Retry == nil && composite(action.Kind) {
		return singleAttempt
	}
	return action.Retry
}

// composite reports kinds that wrap other actions or wait, and so are
// exempt from the engine defaults for timeout and retry.
func composite(kind schema.ActionKind) bool {
	switch kind {
	case schema.ActionConditionalBranch, schema.ActionParallelGroup, schema.ActionDelay, schema.ActionInvokeSubWorkflow:
		return true
	}
	return false
}

// fail normalizes err into a SpiralError tagged with the innermost action id,
// records it in the run log and emits action.failed.
func (e *Executor) fail(ec *execution.Context, action *schema.Action, err error, attempts int) error {
	var se *schema.SpiralError
	if !errors.As(err, &se) {
		switch {
		case errors.Is(err, context.Canceled):
			se = schema.NewError(schema.ErrCodeCancelled, "action interrupted").WithCause(err)
		default:
			se = schema.ActionFailure(action.ID, "%s", err.Error()).WithCause(err)
		}
	}
	if se.ActionID == "" {
		se.ActionID = action.ID
	}
	if attempts > 1 {
		if se.Details == nil {
			se.Details = map[string]any{}
		}
		se.Details["attempts"] = attempts
	}
	ec.Log(schema.LevelError, action.ID, "action %s failed: %s", action.ID, se.Message)
	e.emit(ec, schema.EventActionFailed, action.ID, attempts, se)
	return se
}

func (e *Executor) emit(ec *execution.Context, typ, actionID string, attempt int, err error) {
	ev := schema.RunEvent{
		Type:         typ,
		WorkflowID:   ec.WorkflowID(),
		WorkflowName: ec.WorkflowName(),
		RunID:        ec.RunID(),
		ActionID:     actionID,
		Attempt:      attempt,
		Timestamp:    e.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.sink(ev)
}

// resolve renders the action config against the context and decodes it.
func resolve(action *schema.Action, ec *execution.Context, out any) error {
	if err := expressions.ResolveConfig(action.Config, ec.Lookup, out); err != nil {
		var se *schema.SpiralError
		if errors.As(err, &se) {
			return se.WithAction(action.ID)
		}
		return fmt.Errorf("action %s: %w", action.ID, err)
	}
	return nil
}
