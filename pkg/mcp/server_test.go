package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpiralServer(t *testing.T) {
	s := NewSpiralServer(SpiralServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Notifier())
}

func TestToolRegistration(t *testing.T) {
	s := NewSpiralServer(SpiralServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"spiral.define",
		"spiral.trigger",
		"spiral.status",
		"spiral.cancel",
		"spiral.query",
		"spiral.subscribe",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"define", "spiral.define", "Register or replace a workflow definition"},
		{"trigger", "spiral.trigger", "Start a run of a workflow"},
		{"status", "spiral.status", "Get the status and log of a run"},
		{"cancel", "spiral.cancel", "Cancel a pending or running run"},
		{"query", "spiral.query", "Query workflows, runs, statistics, or subscriptions"},
		{"subscribe", "spiral.subscribe", "Subscribe a webhook endpoint to lifecycle events"},
	}

	s := NewSpiralServer(SpiralServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
