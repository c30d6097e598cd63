package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// Engine is the part of the workflow engine the tools drive.
type Engine interface {
	Define(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error)
	Trigger(ctx context.Context, workflowID string, payload map[string]any) (*engine.TriggerResult, error)
	Execute(ctx context.Context, workflowID string, payload map[string]any) (*schema.RunRecord, error)
	Status(ctx context.Context, runID string) (*schema.RunRecord, error)
	Cancel(ctx context.Context, runID string) error
	Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	Runs(ctx context.Context, filter store.HistoryFilter) ([]*schema.RunRecord, error)
	Statistics(ctx context.Context) (*schema.Statistics, error)
}

// Subscriptions is the part of the webhook service the tools drive.
type Subscriptions interface {
	CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) (*schema.WebhookSubscription, error)
	Subscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]*schema.WebhookSubscription, error)
}

// SpiralServerDeps holds the dependencies for creating a SpiralServer.
type SpiralServerDeps struct {
	Engine   Engine
	Webhooks Subscriptions
	Logger   *slog.Logger
}

// SpiralServer wraps an MCP server with spiral tool handlers.
type SpiralServer struct {
	engine    Engine
	webhooks  Subscriptions
	sessions  *SessionRegistry
	notifier  *RunNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewSpiralServer creates a new SpiralServer with all 6 tools registered.
func NewSpiralServer(deps SpiralServerDeps) *SpiralServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SpiralServer{
		engine:   deps.Engine,
		webhooks: deps.Webhooks,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"spiral",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Spiral is a workflow automation engine. Use spiral.define to register workflows, spiral.trigger to start a run, spiral.status and spiral.cancel to follow or stop it, spiral.query to list workflows/runs/statistics/subscriptions, and spiral.subscribe to receive lifecycle webhooks."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SpiralServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SpiralServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the run notifier. Register its Observe method with the
// engine so callers of spiral.trigger hear about the end of their runs.
func (s *SpiralServer) Notifier() *RunNotifier {
	return s.notifier
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *SpiralServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: subscribeTool(), Handler: s.handleSubscribe},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("spiral.define",
		mcp.WithDescription("Register or replace a workflow definition"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document: name, trigger, actions, variables, rate_limit, security")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("spiral.trigger",
		mcp.WithDescription("Start a run of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the run to finish and return its record (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("spiral.status",
		mcp.WithDescription("Get the status and log of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("spiral.cancel",
		mcp.WithDescription("Cancel a pending or running run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("spiral.query",
		mcp.WithDescription("Query workflows, runs, statistics, or subscriptions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "statistics", "subscriptions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (enabled, trigger_kind, workflow_id, status, since, event, limit)")),
	)
}

func subscribeTool() mcp.Tool {
	return mcp.NewTool("spiral.subscribe",
		mcp.WithDescription("Subscribe a webhook endpoint to lifecycle events"),
		mcp.WithString("url", mcp.Required(), mcp.Description("Endpoint receiving signed POST deliveries")),
		mcp.WithArray("events", mcp.Required(),
			mcp.Items(map[string]any{"type": "string"}),
			mcp.Description("Event kinds to receive, e.g. workflow.failed, or * for all"),
		),
		mcp.WithString("secret", mcp.Description("Signing secret (generated when omitted)")),
		mcp.WithString("filter", mcp.Description("CEL predicate over payload and event")),
		mcp.WithString("owner", mcp.Description("Owner label")),
	)
}
