package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", ActionID(ctx))
	assert.Equal(t, "", DeliveryID(ctx))

	ctx = WithRun(ctx, "wf-123", "run-9")
	ctx = WithActionID(ctx, "notify")
	ctx = WithDeliveryID(ctx, "dlv-1")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "notify", ActionID(ctx))
	assert.Equal(t, "dlv-1", DeliveryID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "wf-abc", "run-x")
	ctx = WithActionID(ctx, "step-1")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "run_id=run-x")
	assert.Contains(t, output, "action_id=step-1")
	assert.NotContains(t, output, "delivery_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRun(context.Background(), "wf-1", "run-1")
	logger.With(slog.String("component", "engine")).InfoContext(ctx, "run started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "wf-1", rec["workflow_id"])
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "run started", rec["msg"])
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}
