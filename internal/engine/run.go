package engine

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/validation"
	"github.com/rendis/spiral/pkg/schema"
)

// admit checks the workflow and payload, consumes a rate-limit slot and
// persists the pending run. Rejections create no run.
func (e *Engine) admit(ctx context.Context, wf *schema.Workflow, payload map[string]any, parentRunID string) (*run, error) {
	if e.isClosed() {
		return nil, schema.NewError(schema.ErrCodeCancelled, "engine is shutting down")
	}
	if !wf.Enabled {
		return nil, schema.ValidationError("workflow %q is disabled", wf.Name)
	}

	limit := e.cfg.MaxPayloadBytes
	var allowedHosts []string
	if wf.Security != nil {
		if wf.Security.MaxPayloadBytes > 0 {
			limit = wf.Security.MaxPayloadBytes
		}
		allowedHosts = wf.Security.AllowedHosts
	}
	if err := validation.CheckPayloadSize(payload, limit); err != nil {
		return nil, err
	}
	if err := e.validator.ValidatePayload(wf.Variables, payload); err != nil {
		return nil, err
	}
	if !e.limiter.Allow(wf.ID, wf.RateLimit) {
		return nil, schema.RateLimitExceeded(wf.ID)
	}

	ec := execution.New(execution.Options{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		RunID:        newRunID(),
		ParentRunID:  parentRunID,
		Payload:      payload,
		Defaults:     validation.Defaults(wf.Variables),
		AllowedHosts: allowedHosts,
		Now:          e.now,
	})
	if parentRunID != "" {
		ec.Log(schema.LevelInfo, "", "run admitted as sub-workflow of %s (priority %s)", parentRunID, ec.Priority())
	} else {
		ec.Log(schema.LevelInfo, "", "run admitted (priority %s)", ec.Priority())
	}

	if err := e.store.AppendExecutionHistory(ctx, ec.Record()); err != nil {
		return nil, err
	}
	r := &run{ec: ec, wf: wf, done: make(chan struct{})}
	if err := e.register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) start(r *run) {
	go func() {
		defer e.wg.Done()
		e.execute(e.baseCtx, r)
	}()
}

// execute drives one run from PENDING to a terminal status.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer e.unregister(r.ec.RunID())

	ec := r.ec
	ctx = logging.WithRun(ctx, ec.WorkflowID(), ec.RunID())
	log := logging.LogWith(ctx, e.logger)

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ec.Cancelled():
		e.finish(ctx, r, schema.RunCancelled, nil)
		return
	case <-ctx.Done():
		e.finish(ctx, r, schema.RunCancelled, nil)
		return
	}

	if err := e.fsm.Transition(ctx, ec, schema.RunRunning); err != nil {
		log.Error("start run", slog.String("error", err.Error()))
		return
	}
	log.Info("run started", slog.String("workflow", ec.WorkflowName()), slog.String("priority", ec.Priority()))

	if ec.IsCancelled() {
		e.finish(ctx, r, schema.RunCancelled, nil)
		return
	}

	if conds := r.wf.Trigger.Conditions; len(conds) > 0 && !e.conditions.Evaluate(ctx, conds, ec) {
		ec.Log(schema.LevelInfo, "", "run skipped: trigger conditions not met")
		e.finish(ctx, r, schema.RunCompleted, nil)
		return
	}

	err := e.exec.RunSequence(ctx, r.wf.Actions, ec)
	if werr := ec.WaitDetached(ctx); werr != nil {
		log.Warn("detached actions still running at shutdown", slog.String("error", werr.Error()))
	}
	switch {
	case err == nil && ec.IsCancelled():
		e.finish(ctx, r, schema.RunCancelled, nil)
	case err == nil:
		e.finish(ctx, r, schema.RunCompleted, nil)
	case schema.IsCode(err, schema.ErrCodeCancelled), errors.Is(err, context.Canceled):
		e.finish(ctx, r, schema.RunCancelled, nil)
	default:
		e.finish(ctx, r, schema.RunFailed, err)
	}
}

// finish records the outcome and applies the terminal transition. The
// completion hook persists the record before the terminal event is emitted.
func (e *Engine) finish(ctx context.Context, r *run, status schema.RunStatus, cause error) {
	ec := r.ec
	log := logging.LogWith(ctx, e.logger)

	switch status {
	case schema.RunFailed:
		ec.Fail(failedActionID(cause), cause)
		ec.Log(schema.LevelError, failedActionID(cause), "run failed: %s", cause.Error())
	case schema.RunCancelled:
		ec.Log(schema.LevelWarn, ec.CurrentAction(), "run cancelled")
	case schema.RunCompleted:
		ec.Log(schema.LevelInfo, "", "run completed after %d actions", ec.ActionsRun())
	}

	if err := e.fsm.Transition(context.WithoutCancel(ctx), ec, status); err != nil {
		log.Error("finish run", slog.String("status", string(status)), slog.String("error", err.Error()))
		return
	}
	log.Info("run finished", slog.String("status", string(status)), slog.Int("actions_run", ec.ActionsRun()))
	e.fireUpstream(context.WithoutCancel(ctx), ec.Record())
}

// persistHook stores the run snapshot when it starts running.
func (e *Engine) persistHook(ctx context.Context, ec *execution.Context, _, _ schema.RunStatus) error {
	if err := e.store.AppendExecutionHistory(ctx, ec.Record()); err != nil {
		logging.LogWith(ctx, e.logger).Error("persist run", slog.String("error", err.Error()))
	}
	return nil
}

// completeHook stores the terminal record, folds it into the workflow
// statistics. Store failures are logged:
// the run outcome stands regardless.
func (e *Engine) completeHook(ctx context.Context, ec *execution.Context, _, to schema.RunStatus) error {
	log := logging.LogWith(ctx, e.logger)
	rec := ec.Record()
	if err := e.store.AppendExecutionHistory(ctx, rec); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			log.Warn("run already finalized elsewhere, outcome not recorded", slog.String("status", string(to)))
			return nil
		}
		log.Error("persist run", slog.String("error", err.Error()))
	}
	at := e.now()
	if rec.CompletedAt != nil {
		at = *rec.CompletedAt
	}
	if err := e.store.RecordRunOutcome(ctx, rec.WorkflowID, to, float64(rec.DurationMS), at); err != nil {
		log.Error("record run outcome", slog.String("error", err.Error()))
	}
	return nil
}

func failedActionID(err error) string {
	var se *schema.SpiralError
	if errors.As(err, &se) {
		return se.ActionID
	}
	return ""
}

// RecoverOrphans fails runs persisted as pending or running by a previous
// process. Their goroutines are gone and they can never finish.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []schema.RunStatus{schema.RunPending, schema.RunRunning} {
		recs, err := e.store.ListExecutionHistory(ctx, store.HistoryFilter{Status: status})
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			if _, active := e.lookup(rec.RunID); active {
				continue
			}
			done := e.now()
			rec.Status = schema.RunFailed
			rec.Error = "run interrupted by engine restart"
			rec.CompletedAt = &done
			rec.DurationMS = done.Sub(rec.StartedAt).Milliseconds()
			rec.Logs = append(rec.Logs, schema.LogEntry{Timestamp: done, Level: schema.LevelError, Message: rec.Error})
			if err := e.store.AppendExecutionHistory(ctx, rec); err != nil {
				if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
					continue
				}
				return n, err
			}
			if err := e.store.RecordRunOutcome(ctx, rec.WorkflowID, schema.RunFailed, float64(rec.DurationMS), done); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
