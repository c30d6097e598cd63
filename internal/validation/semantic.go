package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/spiral/internal/conditions"
	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/pkg/schema"
)

const maxReasonableAttempts = 10

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as "@hourly".
func ParseCron(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// validateSemantic checks what the structural schema cannot: closed kind
// sets, unique action ids across nesting, per-kind config and condition
// operators.
func validateSemantic(wf *schema.Workflow, cond *conditions.Evaluator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(&wf.Trigger, cond, result)
	validateVariables(wf.Variables, result)

	if len(wf.Actions) == 0 {
		result.AddWarning("actions", schema.ErrCodeValidation, "workflow has no actions")
	}

	seen := make(map[string]string)
	_ = schema.WalkActions(wf.Actions, "", func(path string, a *schema.Action) error {
		if prev, dup := seen[a.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate action id %q (first at %s)", a.ID, prev))
		} else {
			seen[a.ID] = path
		}
		validateAction(a, path, cond, result)
		return nil
	})

	return result
}

func validateTrigger(t *schema.Trigger, cond *conditions.Evaluator, result *schema.ValidationResult) {
	known := false
	for _, k := range schema.TriggerKinds() {
		if t.Kind == k {
			known = true
			break
		}
	}
	if !known {
		result.AddError("trigger.kind", schema.ErrCodeConfiguration, fmt.Sprintf("unknown trigger kind %q", t.Kind))
		return
	}

	switch t.Kind {
	case schema.TriggerInboundEvent, schema.TriggerUpstreamEvent:
		var cfg schema.EventTriggerConfig
		if decodeInto(t.Config, &cfg, "trigger.config", result) && cfg.Event == "" && cfg.Source == "" {
			result.AddWarning("trigger.config", schema.ErrCodeValidation, "trigger matches every event")
		}
	case schema.TriggerTimeSchedule:
		var cfg schema.ScheduleTriggerConfig
		if decodeInto(t.Config, &cfg, "trigger.config", result) {
			if cfg.Cron == "" {
				result.AddError("trigger.config.cron", schema.ErrCodeValidation, "cron expression is required")
			} else if _, err := ParseCron(cfg.Cron); err != nil {
				result.AddError("trigger.config.cron", schema.ErrCodeValidation, fmt.Sprintf("invalid cron expression: %s", err.Error()))
			}
		}
	case schema.TriggerMetricThreshold:
		var cfg schema.MetricTriggerConfig
		if decodeInto(t.Config, &cfg, "trigger.config", result) {
			if cfg.Metric == "" {
				result.AddError("trigger.config.metric", schema.ErrCodeValidation, "metric is required")
			}
			if cfg.Direction != "" && cfg.Direction != "above" && cfg.Direction != "below" {
				result.AddError("trigger.config.direction", schema.ErrCodeValidation,
					fmt.Sprintf("direction must be above or below, got %q", cfg.Direction))
			}
		}
	}

	if cond != nil {
		result.Merge(cond.Validate(t.Conditions, "trigger.conditions"))
	}
}

func validateVariables(vars []schema.Variable, result *schema.ValidationResult) {
	names := make(map[string]bool, len(vars))
	for i, v := range vars {
		path := fmt.Sprintf("variables[%d]", i)
		if names[v.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate variable %q", v.Name))
		}
		names[v.Name] = true
		if v.Required && v.Default != nil {
			result.AddWarning(path, schema.ErrCodeValidation, "required variable has a default and can never be missing")
		}
	}
}

func validateAction(a *schema.Action, path string, cond *conditions.Evaluator, result *schema.ValidationResult) {
	if !a.Kind.Valid() {
		result.AddError(path+".kind", schema.ErrCodeConfiguration, fmt.Sprintf("unknown action kind %q", a.Kind))
		return
	}
	if _, err := a.TimeoutDuration(); err != nil && !expressions.HasTemplate(a.Timeout) {
		result.AddError(path+".timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid timeout %q", a.Timeout))
	}
	if a.Retry != nil {
		validateRetry(a.Retry, path+".retry", result)
	}
	if cond != nil {
		result.Merge(cond.Validate(a.Conditions, path+".conditions"))
	}
	validateActionConfig(a, path+".config", cond, result)
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	switch p.Strategy {
	case "", schema.RetryFixed, schema.RetryLinear, schema.RetryExponential:
	default:
		result.AddError(path+".strategy", schema.ErrCodeValidation, fmt.Sprintf("unknown retry strategy %q", p.Strategy))
	}
	checkDuration(p.Delay, path+".delay", result)
	checkDuration(p.MaxDelay, path+".max_delay", result)
	if p.MaxAttempts > maxReasonableAttempts {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("max_attempts %d is unusually high", p.MaxAttempts))
	}
}

// validateActionConfig checks the fields each kind cannot run without.
// Values that are templates are only checked for presence.
func validateActionConfig(a *schema.Action, path string, cond *conditions.Evaluator, result *schema.ValidationResult) {
	switch a.Kind {
	case schema.ActionOutboundCall:
		var cfg schema.OutboundCallConfig
		if decodeInto(a.Config, &cfg, path, result) {
			checkURL(cfg.URL, path+".url", true, result)
		}
	case schema.ActionPersistData:
		var cfg schema.PersistDataConfig
		if decodeInto(a.Config, &cfg, path, result) {
			requireField(cfg.Key, path+".key", result)
			checkDuration(cfg.TTL, path+".ttl", result)
		}
	case schema.ActionNotifyChannel, schema.ActionSendMessage:
		var cfg schema.NotifyConfig
		if !decodeInto(a.Config, &cfg, path, result) {
			return
		}
		if cfg.Message == "" && len(cfg.Fields) == 0 {
			result.AddError(path+".message", schema.ErrCodeValidation, "message or fields is required")
		}
		if a.Kind == schema.ActionSendMessage {
			requireField(cfg.Recipient, path+".recipient", result)
		}
		if cfg.Channel != "webhook" {
			checkURL(cfg.URL, path+".url", true, result)
		}
	case schema.ActionInvokeSubWorkflow:
		var cfg schema.SubWorkflowConfig
		if decodeInto(a.Config, &cfg, path, result) {
			requireField(cfg.Workflow, path+".workflow", result)
			checkDuration(cfg.PollInterval, path+".poll_interval", result)
		}
	case schema.ActionRaiseAlert:
		var cfg schema.AlertConfig
		if decodeInto(a.Config, &cfg, path, result) {
			requireField(cfg.Message, path+".message", result)
		}
	case schema.ActionUpdateMetric:
		var cfg schema.MetricConfig
		if !decodeInto(a.Config, &cfg, path, result) {
			return
		}
		requireField(cfg.Metric, path+".metric", result)
		switch cfg.Operation {
		case schema.MetricSet, schema.MetricIncrement, schema.MetricDecrement, schema.MetricMultiply:
		default:
			result.AddError(path+".operation", schema.ErrCodeValidation, fmt.Sprintf("unknown metric operation %q", cfg.Operation))
		}
		if cfg.Min != nil && cfg.Max != nil && *cfg.Min > *cfg.Max {
			result.AddError(path, schema.ErrCodeValidation, "min is greater than max")
		}
	case schema.ActionLogEvent:
		var cfg schema.LogEventConfig
		if decodeInto(a.Config, &cfg, path, result) {
			requireField(cfg.Message, path+".message", result)
		}
	case schema.ActionTransformData:
		var cfg schema.TransformConfig
		if !decodeInto(a.Config, &cfg, path, result) {
			return
		}
		if len(cfg.Operations) == 0 {
			result.AddError(path+".operations", schema.ErrCodeValidation, "at least one operation is required")
		}
		for i, op := range cfg.Operations {
			p := fmt.Sprintf("%s.operations[%d]", path, i)
			requireField(op.Target, p+".target", result)
			switch op.Op {
			case "map", "filter":
				requireField(op.Source, p+".source", result)
				requireField(op.Expression, p+".expression", result)
			case "compute", "jq":
				requireField(op.Expression, p+".expression", result)
			case "template":
				requireField(op.Template, p+".template", result)
			default:
				result.AddError(p+".op", schema.ErrCodeValidation, fmt.Sprintf("unknown transform op %q", op.Op))
			}
		}
	case schema.ActionConditionalBranch:
		var cfg schema.BranchConfig
		if decodeInto(a.Config, &cfg, path, result) && cond != nil {
			result.Merge(cond.Validate(cfg.Conditions, path+".conditions"))
		}
	case schema.ActionDelay:
		var cfg schema.DelayConfig
		if decodeInto(a.Config, &cfg, path, result) {
			requireField(cfg.Duration, path+".duration", result)
			checkDuration(cfg.Duration, path+".duration", result)
		}
	case schema.ActionParallelGroup:
		var cfg schema.ParallelConfig
		if !decodeInto(a.Config, &cfg, path, result) {
			return
		}
		if len(cfg.Actions) == 0 {
			result.AddError(path+".actions", schema.ErrCodeValidation, "parallel group has no actions")
		}
		if cfg.MaxConcurrency < 0 {
			result.AddError(path+".max_concurrency", schema.ErrCodeValidation, "max_concurrency must not be negative")
		}
	}
}

func decodeInto(raw json.RawMessage, out any, path string, result *schema.ValidationResult) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid config: %s", err.Error()))
		return false
	}
	return true
}

func requireField(v, path string, result *schema.ValidationResult) {
	if v == "" {
		result.AddError(path, schema.ErrCodeValidation, "is required")
	}
}

func checkDuration(v, path string, result *schema.ValidationResult) {
	if v == "" || expressions.HasTemplate(v) {
		return
	}
	if d, err := time.ParseDuration(v); err != nil || d < 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", v))
	}
}

func checkURL(v, path string, required bool, result *schema.ValidationResult) {
	if v == "" {
		if required {
			result.AddError(path, schema.ErrCodeValidation, "is required")
		}
		return
	}
	if expressions.HasTemplate(v) {
		return
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid url %q", v))
	}
}
