package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRalphServer(t *testing.T) {
	s := NewRalphServer(RalphServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewRalphServer(RalphServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"ralph.run",
		"ralph.resume",
		"ralph.status",
		"ralph.runs",
		"ralph.graph",
		"ralph.validate",
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
		{"run", "ralph.run", "Execute a workflow file through the full pipeline"},
		{"resume", "ralph.resume", "Resume an interrupted run from its last persisted state"},
		{"status", "ralph.status", "Get per-stage status for a run"},
		{"runs", "ralph.runs", "List known runs, newest first"},
		{"validate", "ralph.validate", "Validate a workflow file and report errors and warnings"},
	}

	s := NewRalphServer(RalphServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
