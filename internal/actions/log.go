package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/pkg/schema"
)

// LogEventHandler implements log_event. It never fails: a config that does
// not decode or render is logged as is, with a warning.
type LogEventHandler struct {
	logger *slog.Logger
}

// NewLogEventHandler creates the log_event handler.
func NewLogEventHandler(logger *slog.Logger) *LogEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventHandler{logger: logger}
}

func (h *LogEventHandler) Kind() schema.ActionKind { return schema.ActionLogEvent }

func (h *LogEventHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.LogEventConfig
	if err := json.Unmarshal(action.Config, &cfg); len(action.Config) > 0 && err != nil {
		ec.Log(schema.LevelWarn, action.ID, "log_event %s: unreadable config: %s", action.ID, err.Error())
		cfg = schema.LogEventConfig{Message: string(action.Config)}
	}

	message, err := expressions.Render(cfg.Message, ec.Lookup)
	if err != nil {
		ec.Log(schema.LevelWarn, action.ID, "log_event %s: message not rendered: %s", action.ID, err.Error())
		message = cfg.Message
	}
	rawLevel, err := expressions.Render(cfg.Level, ec.Lookup)
	if err != nil {
		rawLevel = cfg.Level
	}
	level := normalizeLevel(rawLevel)
	ec.Log(level, action.ID, "%s", message)

	attrs := make([]any, 0, len(cfg.Fields))
	for k, v := range cfg.Fields {
		if r, err := expressions.ResolveValue(v, ec.Lookup); err == nil {
			v = r
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	logging.LogWith(ctx, h.logger).Log(ctx, logging.ParseLevel(level), message, attrs...)

	return map[string]any{"level": level, "message": message}, nil
}

func normalizeLevel(l string) string {
	switch strings.ToLower(l) {
	case schema.LevelDebug:
		return schema.LevelDebug
	case schema.LevelWarn, "warning":
		return schema.LevelWarn
	case schema.LevelError:
		return schema.LevelError
	default:
		return schema.LevelInfo
	}
}
