package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// LogEntry is one line of a run's append-only log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	ActionID  string    `json:"action_id,omitempty"`
}

// Log levels accepted by log_event and the run log.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// RunRecord is the persisted form of an execution context.
type RunRecord struct {
	RunID          string             `json:"run_id"`
	WorkflowID     string             `json:"workflow_id"`
	WorkflowName   string             `json:"workflow_name,omitempty"`
	ParentRunID    string             `json:"parent_run_id,omitempty"`
	Status         RunStatus          `json:"status"`
	Priority       string             `json:"priority,omitempty"`
	TriggerPayload json.RawMessage    `json:"trigger_payload,omitempty"`
	Variables      map[string]any     `json:"variables,omitempty"`
	Logs           []LogEntry         `json:"logs,omitempty"`
	Impact         map[string]float64 `json:"impact,omitempty"`
	CurrentAction  string             `json:"current_action,omitempty"`
	ActionsRun     int                `json:"actions_run"`
	FailedActionID string             `json:"failed_action_id,omitempty"`
	Error          string             `json:"error,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	DurationMS     int64              `json:"duration_ms,omitempty"`
}

// Priority levels. The level scales delays and bounds parallel fan-out.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// WorkflowStats are the running statistics kept per workflow.
type WorkflowStats struct {
	ExecutionCount int64      `json:"execution_count"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	CancelledCount int64      `json:"cancelled_count"`
	AvgDurationMS  float64    `json:"avg_duration_ms"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// Record folds one terminal run into the statistics using the streaming
// average new_avg = (old_avg*(n-1) + latest) / n.
func (s *WorkflowStats) Record(status RunStatus, latencyMS float64, at time.Time) {
	s.ExecutionCount++
	switch status {
	case RunCompleted:
		s.SuccessCount++
	case RunFailed:
		s.FailureCount++
	case RunCancelled:
		s.CancelledCount++
	}
	n := float64(s.ExecutionCount)
	s.AvgDurationMS = (s.AvgDurationMS*(n-1) + latencyMS) / n
	t := at
	s.LastRunAt = &t
}

// Statistics is the engine-wide aggregate returned by get_statistics.
type Statistics struct {
	Workflows        int                      `json:"workflows"`
	EnabledWorkflows int                      `json:"enabled_workflows"`
	TotalExecutions  int64                    `json:"total_executions"`
	TotalSuccesses   int64                    `json:"total_successes"`
	TotalFailures    int64                    `json:"total_failures"`
	TotalCancelled   int64                    `json:"total_cancelled"`
	RunsByStatus     map[RunStatus]int64      `json:"runs_by_status"`
	PerWorkflow      map[string]WorkflowStats `json:"per_workflow"`
}
