package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/pkg/schema"
)

// Alert severities. Unknown values fall back to warning.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// NormalizeSeverity maps free-form severities onto the accepted set.
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SeverityInfo, "low":
		return SeverityInfo
	case SeverityError, "high":
		return SeverityError
	case SeverityCritical, "fatal", "urgent":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// AlertHandler implements raise_alert. Alerts are at-least-once.
type AlertHandler struct {
	alerter Alerter
	now     func() time.Time
}

// NewAlertHandler creates the raise_alert handler.
func NewAlertHandler(alerter Alerter) *AlertHandler {
	return &AlertHandler{alerter: alerter, now: time.Now}
}

func (h *AlertHandler) Kind() schema.ActionKind { return schema.ActionRaiseAlert }

func (h *AlertHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	if h.alerter == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "alerter is not configured").WithAction(action.ID)
	}
	var cfg schema.AlertConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Message == "" {
		return nil, schema.ValidationError("missing required config 'message'").WithAction(action.ID)
	}

	alert := Alert{
		Severity:   NormalizeSeverity(cfg.Severity),
		Title:      cfg.Title,
		Message:    cfg.Message,
		Labels:     cfg.Labels,
		WorkflowID: ec.WorkflowID(),
		RunID:      ec.RunID(),
		ActionID:   action.ID,
		RaisedAt:   h.now().UTC(),
	}
	if err := h.alerter.Alert(ctx, alert); err != nil {
		var se *schema.SpiralError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, schema.ActionFailure(action.ID, "raise alert: %v", err).WithCause(err)
	}
	ec.Log(schema.LevelWarn, action.ID, "alert raised (%s): %s", alert.Severity, alert.Message)
	return map[string]any{"severity": alert.Severity, "raised": true}, nil
}

// LogAlerter writes alerts to a structured logger.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates an alerter backed by logger.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(ctx context.Context, alert Alert) error {
	level := slog.LevelWarn
	switch alert.Severity {
	case SeverityInfo:
		level = slog.LevelInfo
	case SeverityError, SeverityCritical:
		level = slog.LevelError
	}
	logging.LogWith(ctx, a.logger).Log(ctx, level, "alert raised",
		slog.String("severity", alert.Severity),
		slog.String("title", alert.Title),
		slog.String("message", alert.Message),
		slog.Any("labels", alert.Labels),
	)
	return nil
}

// HTTPAlerter posts alerts as JSON to an endpoint.
type HTTPAlerter struct {
	url    string
	client HTTPDoer
}

// NewHTTPAlerter creates an alerter posting to url.
func NewHTTPAlerter(url string, client HTTPDoer) *HTTPAlerter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAlerter{url: url, client: client}
}

func (a *HTTPAlerter) Alert(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
	return nil
}
