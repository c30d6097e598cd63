package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// Define validates and stores a workflow. A workflow with an id that already
// exists is replaced: its version is bumped and its creation time and
// statistics are kept.
func (e *Engine) Define(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if wf == nil {
		return nil, schema.ValidationError("workflow is required")
	}
	if err := e.validator.ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	now := e.now()
	out := *wf
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	existing, err := e.store.GetWorkflow(ctx, out.ID)
	switch {
	case err == nil:
		out.Version = existing.Version + 1
		out.CreatedAt = existing.CreatedAt
		out.Stats = existing.Stats
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if out.Version <= 0 {
			out.Version = 1
		}
		out.CreatedAt = now
		out.Stats = schema.WorkflowStats{}
	default:
		return nil, err
	}
	out.UpdatedAt = now

	if err := e.store.SaveWorkflow(ctx, &out); err != nil {
		return nil, err
	}
	if existing != nil && !sameRateLimit(existing.RateLimit, out.RateLimit) {
		e.limiter.Forget(out.ID)
	}
	return &out, nil
}

// SetEnabled enables or disables a workflow.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*schema.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Enabled == enabled {
		return wf, nil
	}
	wf.Enabled = enabled
	wf.UpdatedAt = e.now()
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Workflow returns a stored workflow.
func (e *Engine) Workflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// Workflows lists stored workflows.
func (e *Engine) Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// Remove deletes a workflow. Active runs keep their copy of the definition.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	e.limiter.Forget(id)
	e.metricMu.Lock()
	delete(e.metricState, id)
	e.metricMu.Unlock()
	return nil
}

// Runs lists persisted run records, newest first.
func (e *Engine) Runs(ctx context.Context, filter store.HistoryFilter) ([]*schema.RunRecord, error) {
	return e.store.ListExecutionHistory(ctx, filter)
}

// Statistics returns the engine-wide aggregates.
func (e *Engine) Statistics(ctx context.Context) (*schema.Statistics, error) {
	return e.store.GetStatistics(ctx)
}

func sameRateLimit(a, b *schema.RateLimitPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
