package schema

import (
	"encoding/json"
	"time"
)

// Workflow (a Spiral) is a stored definition of one trigger plus an ordered action sequence.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Version     int              `json:"version"`
	Enabled     bool             `json:"enabled"`
	Trigger     Trigger          `json:"trigger"`
	Actions     []Action         `json:"actions"`
	Variables   []Variable       `json:"variables,omitempty"`
	RateLimit   *RateLimitPolicy `json:"rate_limit,omitempty"`
	Security    *SecurityPolicy  `json:"security,omitempty"`
	Owner       string           `json:"owner,omitempty"`
	Stats       WorkflowStats    `json:"stats"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TriggerKind enumerates the ways a run can be admitted.
type TriggerKind string

const (
	TriggerInboundEvent    TriggerKind = "inbound_event"
	TriggerTimeSchedule    TriggerKind = "time_schedule"
	TriggerManual          TriggerKind = "manual"
	TriggerUpstreamEvent   TriggerKind = "upstream_event"
	TriggerMetricThreshold TriggerKind = "metric_threshold"
)

// TriggerKinds lists every accepted trigger kind.
func TriggerKinds() []TriggerKind {
	return []TriggerKind{TriggerInboundEvent, TriggerTimeSchedule, TriggerManual, TriggerUpstreamEvent, TriggerMetricThreshold}
}

// Trigger describes what admits a new run. Exactly one per workflow.
type Trigger struct {
	Kind       TriggerKind     `json:"kind"`
	Config     json.RawMessage `json:"config,omitempty"`
	Conditions []Condition     `json:"conditions,omitempty"`
}

// EventTriggerConfig is the config for inbound_event and upstream_event triggers.
// An empty Event matches every event; an empty Source matches every source.
type EventTriggerConfig struct {
	Event  string `json:"event,omitempty"`
	Source string `json:"source,omitempty"`
}

// ScheduleTriggerConfig is the config for time_schedule triggers.
type ScheduleTriggerConfig struct {
	Cron    string         `json:"cron"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MetricTriggerConfig is the config for metric_threshold triggers.
// Direction is "above" (default) or "below".
type MetricTriggerConfig struct {
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Direction string  `json:"direction,omitempty"`
}

// Variable declares a run variable seeded from the trigger payload or its default.
type Variable struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"` // string | number | integer | boolean | object | array
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// RateLimitPolicy bounds admissions per workflow over a sliding window.
type RateLimitPolicy struct {
	MaxExecutions int   `json:"max_executions"`
	WindowMS      int64 `json:"window_ms"`
}

// Window returns the policy window as a duration.
func (p RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowMS) * time.Millisecond
}

// SecurityPolicy restricts what a workflow's runs may touch.
type SecurityPolicy struct {
	AllowedHosts    []string `json:"allowed_hosts,omitempty"`
	MaxPayloadBytes int      `json:"max_payload_bytes,omitempty"`
}

// RetryPolicy configures retry behavior for an action.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Strategy    string `json:"strategy,omitempty"`  // fixed | linear | exponential (default: fixed)
	Delay       string `json:"delay,omitempty"`     // base delay (e.g. "500ms", "1s")
	MaxDelay    string `json:"max_delay,omitempty"` // optional cap
}

// Retry strategies.
const (
	RetryFixed       = "fixed"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)
