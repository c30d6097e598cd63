package actions

import (
	"context"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

// SubWorkflowHandler implements invoke_sub_workflow. Each attempt starts a
// new child run, so retries are at-least-once.
type SubWorkflowHandler struct {
	runner       WorkflowRunner
	pollInterval time.Duration
}

// NewSubWorkflowHandler creates the invoke_sub_workflow handler.
func NewSubWorkflowHandler(runner WorkflowRunner, pollInterval time.Duration) *SubWorkflowHandler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &SubWorkflowHandler{runner: runner, pollInterval: clampPoll(pollInterval)}
}

func (h *SubWorkflowHandler) Kind() schema.ActionKind { return schema.ActionInvokeSubWorkflow }

func (h *SubWorkflowHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	if h.runner == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow runner is not configured").WithAction(action.ID)
	}
	var cfg schema.SubWorkflowConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Workflow == "" {
		return nil, schema.ValidationError("missing required config 'workflow'").WithAction(action.ID)
	}
	interval := h.pollInterval
	if cfg.PollInterval != "" {
		d, err := time.ParseDuration(cfg.PollInterval)
		if err != nil {
			return nil, schema.ValidationError("invalid poll_interval %q", cfg.PollInterval).WithAction(action.ID)
		}
		interval = clampPoll(d)
	}

	payload := cfg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	childID, err := h.runner.StartSubWorkflow(ctx, cfg.Workflow, payload, ec.RunID())
	if err != nil {
		return nil, err
	}
	ec.Log(schema.LevelInfo, action.ID, "started sub-workflow %s as run %s", cfg.Workflow, childID)

	if !cfg.Wait {
		return map[string]any{"run_id": childID, "status": string(schema.RunPending)}, nil
	}
	return h.await(ctx, action.ID, childID, interval, ec)
}

// await polls the child run until it is terminal. Cancellation of the parent
// is forwarded to the child.
func (h *SubWorkflowHandler) await(ctx context.Context, actionID, childID string, interval time.Duration, ec *execution.Context) (any, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := h.runner.RunStatus(ctx, childID)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		if rec != nil && rec.Status.IsTerminal() {
			return childResult(actionID, rec)
		}

		select {
		case <-ec.Cancelled():
			// The child's own context may already be gone; use a detached one.
			if err := h.runner.CancelRun(context.WithoutCancel(ctx), childID); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
				ec.Log(schema.LevelWarn, actionID, "cancel sub-workflow run %s: %s", childID, err.Error())
			}
			return nil, schema.CancelledError(ec.RunID()).WithAction(actionID)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func childResult(actionID string, rec *schema.RunRecord) (any, error) {
	out := map[string]any{
		"run_id":      rec.RunID,
		"status":      string(rec.Status),
		"variables":   rec.Variables,
		"duration_ms": float64(rec.DurationMS),
	}
	switch rec.Status {
	case schema.RunCompleted:
		return out, nil
	case schema.RunCancelled:
		return nil, schema.ActionFailure(actionID, "sub-workflow run %s was cancelled", rec.RunID).
			WithDetails(map[string]any{"run_id": rec.RunID, "status": string(rec.Status)})
	default:
		return nil, schema.ActionFailure(actionID, "sub-workflow run %s failed: %s", rec.RunID, rec.Error).
			WithDetails(map[string]any{"run_id": rec.RunID, "failed_action_id": rec.FailedActionID})
	}
}

func clampPoll(d time.Duration) time.Duration {
	return max(minPollInterval, min(d, maxPollInterval))
}
