package webhooks

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/spiral/pkg/schema"
)

// Dispatcher is the part of Service the forwarder needs.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, kind string, payload map[string]any) (int, error)
}

// LifecycleForwarder publishes engine run events as webhook events. Observe
// never blocks the run: events are buffered and dispatched by Run, and
// dropped with a warning when the buffer is full.
type LifecycleForwarder struct {
	dispatcher Dispatcher
	events     chan schema.RunEvent
	actions    bool
	logger     *slog.Logger
}

// NewLifecycleForwarder creates a forwarder with room for buffer events.
// Action events are forwarded only when includeActions is set.
func NewLifecycleForwarder(d Dispatcher, buffer int, includeActions bool, logger *slog.Logger) *LifecycleForwarder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleForwarder{
		dispatcher: d,
		events:     make(chan schema.RunEvent, buffer),
		actions:    includeActions,
		logger:     logger,
	}
}

// Observe matches the engine's observer signature.
func (f *LifecycleForwarder) Observe(ev schema.RunEvent) {
	if !f.actions && strings.HasPrefix(ev.Type, "action.") {
		return
	}
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("webhook forwarder buffer full, event dropped",
			slog.String("event", ev.Type), slog.String("run_id", ev.RunID))
	}
}

// Run dispatches buffered events until ctx ends.
func (f *LifecycleForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			if _, err := f.dispatcher.DispatchEvent(ctx, ev.Type, EventPayload(ev)); err != nil {
				f.logger.Error("forward run event",
					slog.String("event", ev.Type), slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
			}
		}
	}
}

// EventPayload is the webhook body of a run event.
func EventPayload(ev schema.RunEvent) map[string]any {
	p := map[string]any{
		"event":       ev.Type,
		"workflow_id": ev.WorkflowID,
		"run_id":      ev.RunID,
		"timestamp":   ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if ev.WorkflowName != "" {
		p["workflow_name"] = ev.WorkflowName
	}
	if ev.Status != "" {
		p["status"] = string(ev.Status)
	}
	if ev.ActionID != "" {
		p["action_id"] = ev.ActionID
	}
	if ev.Attempt > 0 {
		p["attempt"] = ev.Attempt
	}
	if ev.Error != "" {
		p["error"] = ev.Error
	}
	if ev.FailedActionID != "" {
		p["failed_action_id"] = ev.FailedActionID
	}
	if len(ev.Data) > 0 {
		p["data"] = ev.Data
	}
	return p
}
