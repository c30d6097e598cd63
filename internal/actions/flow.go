package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/workers"
	"github.com/rendis/spiral/pkg/schema"
)

// BranchHandler implements conditional_branch. Nested actions are rendered
// when they run, not when the branch is decoded.
type BranchHandler struct {
	exec *Executor
}

// NewBranchHandler creates the conditional_branch handler.
func NewBranchHandler(exec *Executor) *BranchHandler { return &BranchHandler{exec: exec} }

func (h *BranchHandler) Kind() schema.ActionKind { return schema.ActionConditionalBranch }

func (h *BranchHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.BranchConfig
	if err := decodeRaw(action, &cfg); err != nil {
		return nil, err
	}

	taken, path := "then", cfg.Then
	if !h.exec.Conditions().Evaluate(ctx, cfg.Conditions, ec) {
		taken, path = "else", cfg.Else
	}
	ec.Log(schema.LevelInfo, action.ID, "branch %s: taking %s path (%d actions)", action.ID, taken, len(path))

	if err := h.exec.RunSequence(ctx, path, ec); err != nil {
		return nil, err
	}
	return map[string]any{"branch": taken, "actions": float64(len(path))}, nil
}

// DelayHandler implements delay. The configured duration is scaled by the
// run priority and never drops below the configured minimum.
type DelayHandler struct {
	factors  map[string]float64
	minDelay time.Duration
}

// NewDelayHandler creates the delay handler.
func NewDelayHandler(factors map[string]float64, minDelay time.Duration) *DelayHandler {
	return &DelayHandler{factors: factors, minDelay: minDelay}
}

func (h *DelayHandler) Kind() schema.ActionKind { return schema.ActionDelay }

func (h *DelayHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.DelayConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	base, err := time.ParseDuration(cfg.Duration)
	if err != nil || base < 0 {
		return nil, schema.ValidationError("invalid duration %q", cfg.Duration).WithAction(action.ID)
	}
	d := h.Scale(base, ec.Priority())

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"delayed_ms": float64(d.Milliseconds())}, nil
	case <-ec.Cancelled():
		// The engine stops the run at the next boundary.
		return map[string]any{"delayed_ms": float64(d.Milliseconds()), "interrupted": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scale applies the priority factor and the minimum.
func (h *DelayHandler) Scale(base time.Duration, priority string) time.Duration {
	factor, ok := h.factors[priority]
	if !ok || factor <= 0 {
		factor = 1
	}
	return max(time.Duration(float64(base)*factor), h.minDelay)
}

// ParallelHandler implements parallel_group. Children run on forks of the
// run context bounded by a worker pool. Child failures are collected into
// the result and never fail the group.
type ParallelHandler struct {
	exec *Executor
}

// NewParallelHandler creates the parallel_group handler.
func NewParallelHandler(exec *Executor) *ParallelHandler { return &ParallelHandler{exec: exec} }

func (h *ParallelHandler) Kind() schema.ActionKind { return schema.ActionParallelGroup }

type childOutcome struct {
	fork      *execution.Context
	err       error
	cancelled bool
}

func (h *ParallelHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.ParallelConfig
	if err := decodeRaw(action, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Actions) == 0 {
		return map[string]any{"total": float64(0)}, nil
	}

	limit := h.Limit(cfg, ec.Priority())
	pool := workers.New("parallel:"+action.ID, limit, h.exec.logger)
	outcomes := make([]childOutcome, len(cfg.Actions))

	if !cfg.ShouldWait() {
		bg := context.WithoutCancel(ctx)
		ec.Detach(func() {
			h.dispatch(bg, pool, cfg.Actions, ec, outcomes, func(i int) {
				if outcomes[i].fork == nil {
					return
				}
				if err := ec.Merge(outcomes[i].fork); err != nil {
					h.exec.logger.Warn("detached parallel action not merged",
						slog.String("run_id", ec.RunID()), slog.String("action_id", cfg.Actions[i].ID),
						slog.String("error", err.Error()))
				}
			})
			pool.Shutdown()
		})
		ec.Log(schema.LevelInfo, action.ID, "dispatched %d parallel actions without waiting", len(cfg.Actions))
		return map[string]any{"total": float64(len(cfg.Actions)), "waited": false}, nil
	}

	h.dispatch(ctx, pool, cfg.Actions, ec, outcomes, nil)
	pool.Shutdown()

	var (
		completed, failed, cancelled int
		errs                         []any
	)
	for i, out := range outcomes {
		child := cfg.Actions[i]
		switch {
		case out.cancelled || schema.IsCode(out.err, schema.ErrCodeCancelled):
			cancelled++
			continue
		case out.err != nil:
			failed++
			errs = append(errs, map[string]any{"action_id": child.ID, "error": out.err.Error()})
		default:
			completed++
		}
		if out.fork != nil {
			if err := ec.Merge(out.fork); err != nil {
				return nil, schema.ActionFailure(action.ID, "merge child %s: %v", child.ID, err).WithCause(err)
			}
		}
	}
	if failed > 0 {
		ec.Log(schema.LevelWarn, action.ID, "%d of %d parallel actions failed", failed, len(cfg.Actions))
	}

	result := map[string]any{
		"total":     float64(len(cfg.Actions)),
		"completed": float64(completed),
		"failed":    float64(failed),
		"cancelled": float64(cancelled),
		"waited":    true,
	}
	if len(errs) > 0 {
		result["errors"] = errs
	}
	return result, nil
}

// Limit returns the fan-out bound: max_concurrency when set, otherwise the
// cap for the run priority.
func (h *ParallelHandler) Limit(cfg schema.ParallelConfig, priority string) int {
	if cfg.MaxConcurrency > 0 {
		return cfg.MaxConcurrency
	}
	if n, ok := h.exec.cfg.PriorityConcurrency[priority]; ok && n > 0 {
		return n
	}
	return 1
}

// dispatch submits children in order until all are queued or the run is
// cancelled. Undispatched children are marked cancelled. done, when set, is
// called after each child finishes.
func (h *ParallelHandler) dispatch(ctx context.Context, pool *workers.Pool, children []schema.Action, ec *execution.Context, outcomes []childOutcome, done func(i int)) {
	var mu sync.Mutex
	for i := range children {
		if ec.IsCancelled() || ctx.Err() != nil {
			for j := i; j < len(children); j++ {
				outcomes[j].cancelled = true
			}
			ec.Log(schema.LevelWarn, "", "parallel dispatch stopped: %d actions not started", len(children)-i)
			break
		}
		idx := i
		fork := ec.Fork()
		err := pool.Submit(ctx, func(ctx context.Context) error {
			err := h.exec.RunSequence(ctx, children[idx:idx+1], fork)
			mu.Lock()
			outcomes[idx] = childOutcome{fork: fork, err: err}
			mu.Unlock()
			if done != nil {
				done(idx)
			}
			return err
		})
		if err != nil {
			mu.Lock()
			outcomes[idx] = childOutcome{cancelled: true}
			mu.Unlock()
		}
	}
	pool.Wait()
}

func decodeRaw(action *schema.Action, out any) error {
	if len(action.Config) == 0 {
		return schema.ValidationError("missing config").WithAction(action.ID)
	}
	if err := json.Unmarshal(action.Config, out); err != nil {
		return schema.ValidationError("invalid %s config: %s", action.Kind, err.Error()).WithAction(action.ID).WithCause(err)
	}
	return nil
}
