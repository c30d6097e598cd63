package mcp

import (
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/spiral/pkg/schema"
)

// sender is the notification half of server.MCPServer.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier pushes the terminal event of a run to the session that
// triggered it. Its Observe method matches the engine observer signature.
type RunNotifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier that pushes via MCP notifications.
func NewRunNotifier(s sender, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{sender: s, sessions: sessions, logger: logger}
}

// Observe sends workflow.completed/failed/cancelled to the watching session.
// Best-effort: runs nobody watches and vanished sessions are ignored.
func (n *RunNotifier) Observe(ev schema.RunEvent) {
	if !ev.IsRunEvent() || !ev.Status.IsTerminal() {
		return
	}
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return
	}
	n.sessions.Forget(ev.RunID)

	params := map[string]any{
		"level":  "info",
		"logger": "spiral",
		"data": map[string]any{
			"event":            ev.Type,
			"workflow_id":      ev.WorkflowID,
			"run_id":           ev.RunID,
			"status":           string(ev.Status),
			"error":            ev.Error,
			"failed_action_id": ev.FailedActionID,
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		// Session expired between trigger and completion.
		n.sessions.Remove(sessionID)
	case err != nil:
		n.logger.Warn("run notification failed", slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
	}
}
