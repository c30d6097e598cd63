// Package actions implements the Action Executor: a closed table of handlers,
// one per action kind, run under retry and timeout policy.
package actions

import (
	"context"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

// Handler executes one action kind. The returned value is stored in the run
// variables under execution.ResultKey(action.ID).
//
// Handlers may be invoked more than once for the same action when a retry
// policy applies; each documents whether it is idempotent or at-least-once.
type Handler interface {
	Kind() schema.ActionKind
	Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error)
}

// EventSink receives action lifecycle events.
type EventSink func(ev schema.RunEvent)

// Notifier publishes an event to webhook subscribers and reports how many
// deliveries were queued.
type Notifier interface {
	DispatchEvent(ctx context.Context, kind string, payload map[string]any) (int, error)
}

// WorkflowRunner starts and observes sub-workflow runs.
type WorkflowRunner interface {
	StartSubWorkflow(ctx context.Context, name string, payload map[string]any, parentRunID string) (string, error)
	RunStatus(ctx context.Context, runID string) (*schema.RunRecord, error)
	CancelRun(ctx context.Context, runID string) error
}

// Alert is the structured payload forwarded by raise_alert.
type Alert struct {
	Severity   string         `json:"severity"`
	Title      string         `json:"title,omitempty"`
	Message    string         `json:"message"`
	Labels     map[string]any `json:"labels,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	ActionID   string         `json:"action_id"`
	RaisedAt   time.Time      `json:"raised_at"`
}

// Alerter is the external alerting collaborator.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}
