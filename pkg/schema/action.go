package schema

import (
	"encoding/json"
	"strconv"
	"time"
)

// ActionKind is the discriminator of the closed action set.
type ActionKind string

const (
	ActionOutboundCall      ActionKind = "outbound_call"
	ActionPersistData       ActionKind = "persist_data"
	ActionNotifyChannel     ActionKind = "notify_channel"
	ActionInvokeSubWorkflow ActionKind = "invoke_sub_workflow"
	ActionRaiseAlert        ActionKind = "raise_alert"
	ActionUpdateMetric      ActionKind = "update_metric"
	ActionLogEvent          ActionKind = "log_event"
	ActionTransformData     ActionKind = "transform_data"
	ActionConditionalBranch ActionKind = "conditional_branch"
	ActionDelay             ActionKind = "delay"
	ActionParallelGroup     ActionKind = "parallel_group"
	ActionSendMessage       ActionKind = "send_message"
)

// ActionKinds lists the closed set of action kinds.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionOutboundCall, ActionPersistData, ActionNotifyChannel, ActionInvokeSubWorkflow,
		ActionRaiseAlert, ActionUpdateMetric, ActionLogEvent, ActionTransformData,
		ActionConditionalBranch, ActionDelay, ActionParallelGroup, ActionSendMessage,
	}
}

// Valid reports whether k belongs to the closed set.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Action is one typed unit of work within a workflow.
type Action struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Kind            ActionKind      `json:"kind"`
	Config          json.RawMessage `json:"config,omitempty"`
	Conditions      []Condition     `json:"conditions,omitempty"`
	Retry           *RetryPolicy    `json:"retry,omitempty"`
	Timeout         string          `json:"timeout,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
}

// TimeoutDuration parses Timeout. Zero means no action-specific timeout.
func (a *Action) TimeoutDuration() (time.Duration, error) {
	if a.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(a.Timeout)
}

// Children returns the nested action lists owned by branch and parallel actions.
// Other kinds own none.
func (a *Action) Children() ([][]Action, error) {
	switch a.Kind {
	case ActionConditionalBranch:
		var cfg BranchConfig
		if err := decodeConfig(a.Config, &cfg); err != nil {
			return nil, err
		}
		return [][]Action{cfg.Then, cfg.Else}, nil
	case ActionParallelGroup:
		var cfg ParallelConfig
		if err := decodeConfig(a.Config, &cfg); err != nil {
			return nil, err
		}
		return [][]Action{cfg.Actions}, nil
	}
	return nil, nil
}

// WalkActions visits every action in the tree, depth first in document order.
// fn receives the dotted document path of each action.
func WalkActions(actions []Action, path string, fn func(path string, a *Action) error) error {
	for i := range actions {
		a := &actions[i]
		p := joinPath(path, "actions", i)
		if err := fn(p, a); err != nil {
			return err
		}
		children, err := a.Children()
		if err != nil {
			continue
		}
		for j, list := range children {
			if err := WalkActions(list, joinPath(p, childLabel(a.Kind, j), -1), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func childLabel(kind ActionKind, idx int) string {
	if kind == ActionConditionalBranch {
		if idx == 0 {
			return "config.then"
		}
		return "config.else"
	}
	return "config"
}

func joinPath(base, field string, idx int) string {
	p := field
	if base != "" {
		p = base + "." + field
	}
	if idx >= 0 {
		p += "[" + strconv.Itoa(idx) + "]"
	}
	return p
}

func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// OutboundCallConfig configures outbound_call.
type OutboundCallConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            any               `json:"body,omitempty"`
	MaxResponseSize int64             `json:"max_response_size,omitempty"`
}

// PersistDataConfig configures persist_data. A nil Value stores the full variable map.
type PersistDataConfig struct {
	Key string `json:"key"`
	Value any  `json:"value,omitempty"`
	TTL string `json:"ttl,omitempty"`
}

// NotifyConfig configures notify_channel and send_message.
// Channel "webhook" publishes Event to webhook subscribers instead of calling URL.
type NotifyConfig struct {
	Channel   string            `json:"channel,omitempty"`
	URL       string            `json:"url,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Message   string            `json:"message,omitempty"`
	Format    string            `json:"format,omitempty"` // plain | structured
	Fields    map[string]any    `json:"fields,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Event     string            `json:"event,omitempty"`
}

// SubWorkflowConfig configures invoke_sub_workflow.
type SubWorkflowConfig struct {
	Workflow     string         `json:"workflow"`
	Payload      map[string]any `json:"payload,omitempty"`
	Wait         bool           `json:"wait,omitempty"`
	PollInterval string         `json:"poll_interval,omitempty"`
}

// AlertConfig configures raise_alert.
type AlertConfig struct {
	Severity string         `json:"severity"`
	Title    string         `json:"title,omitempty"`
	Message  string         `json:"message"`
	Labels   map[string]any `json:"labels,omitempty"`
}

// MetricConfig configures update_metric. Min and Max default to 0 and 100.
type MetricConfig struct {
	Metric    string   `json:"metric"`
	Operation string   `json:"operation"` // set | increment | decrement | multiply
	Value     float64  `json:"value"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// Metric operations.
const (
	MetricSet       = "set"
	MetricIncrement = "increment"
	MetricDecrement = "decrement"
	MetricMultiply  = "multiply"
)

// LogEventConfig configures log_event.
type LogEventConfig struct {
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// TransformConfig configures transform_data.
type TransformConfig struct {
	Operations []TransformOp `json:"operations"`
}

// TransformOp is one sub-operation of transform_data.
// Op is map | filter | template | compute | jq.
type TransformOp struct {
	Op         string `json:"op"`
	Source     string `json:"source,omitempty"`
	Target     string `json:"target"`
	Expression string `json:"expression,omitempty"`
	Template   string `json:"template,omitempty"`
}

// BranchConfig configures conditional_branch.
type BranchConfig struct {
	Conditions []Condition `json:"conditions"`
	Then       []Action    `json:"then,omitempty"`
	Else       []Action    `json:"else,omitempty"`
}

// DelayConfig configures delay. The duration is scaled by the run priority.
type DelayConfig struct {
	Duration string `json:"duration"`
}

// ParallelConfig configures parallel_group.
type ParallelConfig struct {
	Actions        []Action `json:"actions"`
	WaitForAll     *bool    `json:"wait_for_all,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// ShouldWait returns the wait_for_all flag, true when unset.
func (c ParallelConfig) ShouldWait() bool {
	return c.WaitForAll == nil || *c.WaitForAll
}
