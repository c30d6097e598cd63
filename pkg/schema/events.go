package schema

import "time"

// Lifecycle event types emitted to observers.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowCancelled = "workflow.cancelled"

	EventActionStarted   = "action.started"
	EventActionCompleted = "action.completed"
	EventActionFailed    = "action.failed"
	EventActionSkipped   = "action.skipped"
	EventActionRetrying  = "action.retrying"
)

// RunEvent is one lifecycle notification of a run.
type RunEvent struct {
	Type           string         `json:"type"`
	WorkflowID     string         `json:"workflow_id"`
	WorkflowName   string         `json:"workflow_name,omitempty"`
	RunID          string         `json:"run_id"`
	ActionID       string         `json:"action_id,omitempty"`
	Status         RunStatus      `json:"status,omitempty"`
	Attempt        int            `json:"attempt,omitempty"`
	Error          string         `json:"error,omitempty"`
	FailedActionID string         `json:"failed_action_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// IsRunEvent reports whether the event marks a run-level transition.
func (e RunEvent) IsRunEvent() bool {
	switch e.Type {
	case EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// TerminalEventType maps a terminal status to its lifecycle event type.
func TerminalEventType(status RunStatus) string {
	switch status {
	case RunCompleted:
		return EventWorkflowCompleted
	case RunCancelled:
		return EventWorkflowCancelled
	default:
		return EventWorkflowFailed
	}
}
