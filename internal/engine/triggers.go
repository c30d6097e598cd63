package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// Event is an inbound event offered to inbound_event workflows.
type Event struct {
	Name    string         `json:"event"`
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

const wildcardEvent = "*"

// HandleEvent starts a run of every enabled inbound_event workflow whose
// trigger matches the event. Per-workflow admission failures are reported
// in the results and do not stop the others.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) ([]TriggerResult, error) {
	if ev.Name == "" {
		return nil, schema.ValidationError("event name is required")
	}
	return e.fireMatching(ctx, schema.TriggerInboundEvent, ev.Payload, func(wf *schema.Workflow) bool {
		return matchesEvent(wf, ev.Name, ev.Source)
	})
}

// fireUpstream starts upstream_event workflows listening for the terminal
// event of rec's workflow. A workflow never triggers itself.
func (e *Engine) fireUpstream(ctx context.Context, rec *schema.RunRecord) {
	event := schema.TerminalEventType(rec.Status)
	payload := map[string]any{
		"event":         event,
		"workflow_id":   rec.WorkflowID,
		"workflow_name": rec.WorkflowName,
		"run_id":        rec.RunID,
		"status":        string(rec.Status),
		"variables":     execution.CopyMap(rec.Variables),
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	results, err := e.fireMatching(ctx, schema.TriggerUpstreamEvent, payload, func(wf *schema.Workflow) bool {
		return wf.ID != rec.WorkflowID && matchesEvent(wf, event, rec.WorkflowName)
	})
	log := logging.LogWith(ctx, e.logger)
	if err != nil {
		log.Error("fire upstream workflows", slog.String("error", err.Error()))
		return
	}
	for _, res := range results {
		if res.Error != "" {
			log.Warn("upstream workflow not started", slog.String("target", res.WorkflowID), slog.String("error", res.Error))
		}
	}
}

// ObserveMetric records a metric sample and starts every metric_threshold
// workflow whose threshold the sample crosses. Triggers are edge-triggered:
// a workflow fires when its condition becomes true and re-arms once a
// sample no longer satisfies it.
func (e *Engine) ObserveMetric(ctx context.Context, name string, value float64) ([]TriggerResult, error) {
	if name == "" {
		return nil, schema.ValidationError("metric name is required")
	}
	return e.fireMatching(ctx, schema.TriggerMetricThreshold, nil, func(wf *schema.Workflow) bool {
		var cfg schema.MetricTriggerConfig
		if err := decodeTriggerConfig(wf, &cfg); err != nil || cfg.Metric != name {
			return false
		}
		crossed := value > cfg.Threshold
		if cfg.Direction == "below" {
			crossed = value < cfg.Threshold
		}

		e.metricMu.Lock()
		prev := e.metricState[wf.ID]
		e.metricState[wf.ID] = crossed
		e.metricMu.Unlock()
		return crossed && !prev
	}, func(wf *schema.Workflow) map[string]any {
		var cfg schema.MetricTriggerConfig
		_ = decodeTriggerConfig(wf, &cfg)
		direction := cfg.Direction
		if direction == "" {
			direction = "above"
		}
		return map[string]any{"metric": name, "value": value, "threshold": cfg.Threshold, "direction": direction}
	})
}

// fireMatching admits a run of each enabled workflow of the given trigger
// kind accepted by match. payloadFor, when given, builds a per-workflow
// payload instead of payload.
func (e *Engine) fireMatching(ctx context.Context, kind schema.TriggerKind, payload map[string]any, match func(*schema.Workflow) bool, payloadFor ...func(*schema.Workflow) map[string]any) ([]TriggerResult, error) {
	enabled := true
	wfs, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{Enabled: &enabled, TriggerKind: kind})
	if err != nil {
		return nil, err
	}

	results := make([]TriggerResult, 0)
	for _, wf := range wfs {
		if !match(wf) {
			continue
		}
		p := payload
		if len(payloadFor) > 0 {
			p = payloadFor[0](wf)
		}
		res, err := e.trigger(ctx, wf, p, "")
		if err != nil {
			results = append(results, TriggerResult{WorkflowID: wf.ID, Error: err.Error()})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func matchesEvent(wf *schema.Workflow, event, source string) bool {
	var cfg schema.EventTriggerConfig
	if err := decodeTriggerConfig(wf, &cfg); err != nil {
		return false
	}
	if cfg.Event != "" && cfg.Event != wildcardEvent && cfg.Event != event {
		return false
	}
	return cfg.Source == "" || cfg.Source == source
}

func decodeTriggerConfig(wf *schema.Workflow, out any) error {
	if len(wf.Trigger.Config) == 0 {
		return nil
	}
	return json.Unmarshal(wf.Trigger.Config, out)
}
