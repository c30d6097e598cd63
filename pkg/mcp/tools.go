package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// handleDefine registers or replaces a workflow.
func (s *SpiralServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "workflow", nil)
	if doc == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode workflow: %v", err)), nil
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow document: %v", err)), nil
	}

	out, err := s.engine.Define(ctx, &wf)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": out.ID,
		"name":        out.Name,
		"version":     out.Version,
		"enabled":     out.Enabled,
	})
}

// handleTrigger starts a run. With wait the run executes inline and its
// record is returned; otherwise the calling session is told when it ends.
func (s *SpiralServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	if argBool(req, "wait") {
		rec, err := s.engine.Execute(ctx, workflowID, payload)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(rec)
	}

	res, err := s.engine.Trigger(ctx, workflowID, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.captureSession(ctx, res.RunID)
	return marshalResult(res)
}

// handleStatus returns the persisted record of a run.
func (s *SpiralServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	rec, err := s.engine.Status(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(rec)
}

// handleCancel requests cancellation of a run.
func (s *SpiralServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, runID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "status": "cancelling"})
}

// handleQuery lists workflows, runs, statistics, or subscriptions.
func (s *SpiralServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		f := store.WorkflowFilter{
			TriggerKind: schema.TriggerKind(extractString(filter, "trigger_kind")),
			Owner:       extractString(filter, "owner"),
			Limit:       extractInt(filter, "limit", 0),
			Offset:      extractInt(filter, "offset", 0),
		}
		if v, ok := filter["enabled"].(bool); ok {
			f.Enabled = &v
		}
		wfs, err := s.engine.Workflows(ctx, f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if wfs == nil {
			wfs = []*schema.Workflow{}
		}
		return marshalResult(map[string]any{"workflows": wfs, "total": len(wfs)})

	case "runs":
		f := store.HistoryFilter{
			WorkflowID: extractString(filter, "workflow_id"),
			Status:     schema.RunStatus(extractString(filter, "status")),
			Limit:      extractInt(filter, "limit", 50),
		}
		if since := extractString(filter, "since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid since timestamp: %v", err)), nil
			}
			f.Since = &t
		}
		runs, err := s.engine.Runs(ctx, f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if runs == nil {
			runs = []*schema.RunRecord{}
		}
		return marshalResult(map[string]any{"runs": runs, "total": len(runs)})

	case "statistics":
		stats, err := s.engine.Statistics(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(stats)

	case "subscriptions":
		if s.webhooks == nil {
			return mcp.NewToolResultError("webhooks are not configured"), nil
		}
		subs, err := s.webhooks.Subscriptions(ctx, store.SubscriptionFilter{
			Status: schema.SubscriptionStatus(extractString(filter, "status")),
			Event:  extractString(filter, "event"),
			Owner:  extractString(filter, "owner"),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := make([]schema.WebhookSubscription, 0, len(subs))
		for _, sub := range subs {
			c := *sub
			c.Secret = redacted
			out = append(out, c)
		}
		return marshalResult(map[string]any{"subscriptions": out, "total": len(out)})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s (must be workflows, runs, statistics, or subscriptions)", resource)), nil
	}
}

const redacted = "********"

// handleSubscribe creates a webhook subscription. The secret is returned
// only here.
func (s *SpiralServer) handleSubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.webhooks == nil {
		return mcp.NewToolResultError("webhooks are not configured"), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError("url is required"), nil
	}
	events := argStrings(req, "events")
	if len(events) == 0 {
		return mcp.NewToolResultError("events is required"), nil
	}

	sub, err := s.webhooks.CreateSubscription(ctx, &schema.WebhookSubscription{
		URL:    url,
		Events: events,
		Secret: req.GetString("secret", ""),
		Filter: req.GetString("filter", ""),
		Owner:  req.GetString("owner", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(sub)
}

// --- Helpers ---

// argBool reads a boolean argument, accepting "true"/"false" strings.
func argBool(req mcp.CallToolRequest, key string) bool {
	switch v := req.GetArguments()[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// argStrings reads a string array argument. A comma-separated string is
// accepted too.
func argStrings(req mcp.CallToolRequest, key string) []string {
	var out []string
	switch v := req.GetArguments()[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func extractString(filter map[string]any, key string) string {
	if s, ok := filter[key].(string); ok {
		return s
	}
	return ""
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run to the calling MCP session for notifications.
func (s *SpiralServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
