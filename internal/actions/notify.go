package actions

import (
	"context"
	"strings"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

// Notification channels understood by notify_channel.
const (
	ChannelWebhook = "webhook"
	ChannelHTTP    = "http"

	defaultNotificationEvent = "workflow.notification"
)

// NotifyHandler implements notify_channel and send_message. Delivery goes
// through an outbound call, or to webhook subscribers when the channel is
// "webhook". Both paths are at-least-once.
type NotifyHandler struct {
	kind     schema.ActionKind
	http     *OutboundCallHandler
	notifier Notifier
}

// NewNotifyHandler creates the notify_channel handler.
func NewNotifyHandler(http *OutboundCallHandler, notifier Notifier) *NotifyHandler {
	return &NotifyHandler{kind: schema.ActionNotifyChannel, http: http, notifier: notifier}
}

// NewSendMessageHandler creates the send_message handler. Messages require a recipient.
func NewSendMessageHandler(http *OutboundCallHandler, notifier Notifier) *NotifyHandler {
	return &NotifyHandler{kind: schema.ActionSendMessage, http: http, notifier: notifier}
}

func (h *NotifyHandler) Kind() schema.ActionKind { return h.kind }

func (h *NotifyHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.NotifyConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	if h.kind == schema.ActionSendMessage && cfg.Recipient == "" {
		return nil, schema.ValidationError("missing required config 'recipient'").WithAction(action.ID)
	}
	if cfg.Message == "" && len(cfg.Fields) == 0 {
		return nil, schema.ValidationError("notification has neither message nor fields").WithAction(action.ID)
	}

	message := h.compose(cfg, action, ec)

	if strings.EqualFold(cfg.Channel, ChannelWebhook) {
		if h.notifier == nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "webhook notifier is not configured").WithAction(action.ID)
		}
		event := cfg.Event
		if event == "" {
			event = defaultNotificationEvent
		}
		queued, err := h.notifier.DispatchEvent(ctx, event, message)
		if err != nil {
			return nil, err
		}
		return map[string]any{"channel": ChannelWebhook, "event": event, "deliveries": float64(queued)}, nil
	}

	if cfg.URL == "" {
		return nil, schema.ValidationError("missing required config 'url' for channel %q", cfg.Channel).WithAction(action.ID)
	}
	resp, err := h.http.Call(ctx, action.ID, ec.AllowedHosts(), schema.OutboundCallConfig{
		URL:     cfg.URL,
		Method:  "POST",
		Headers: cfg.Headers,
		Body:    message,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"channel":     channelName(cfg.Channel),
		"recipient":   cfg.Recipient,
		"status_code": resp["status_code"],
		"sent":        true,
	}, nil
}

// compose builds the outgoing document. Plain keeps the message text;
// structured adds run metadata and the configured fields.
func (h *NotifyHandler) compose(cfg schema.NotifyConfig, action *schema.Action, ec *execution.Context) map[string]any {
	msg := map[string]any{"message": cfg.Message}
	if cfg.Recipient != "" {
		msg["recipient"] = cfg.Recipient
	}
	if cfg.Channel != "" {
		msg["channel"] = cfg.Channel
	}
	if strings.EqualFold(cfg.Format, "structured") || len(cfg.Fields) > 0 {
		msg["workflow_id"] = ec.WorkflowID()
		msg["workflow_name"] = ec.WorkflowName()
		msg["run_id"] = ec.RunID()
		msg["action_id"] = action.ID
		msg["priority"] = ec.Priority()
		if len(cfg.Fields) > 0 {
			msg["fields"] = cfg.Fields
		}
	}
	return msg
}

func channelName(c string) string {
	if c == "" {
		return ChannelHTTP
	}
	return c
}
