package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% ETL Pipeline")
	assert.Contains(t, output, `fetch["fetch (outbound_call)"]`)
	assert.Contains(t, output, "__start__((")
	assert.Contains(t, output, "__end__((")
	assert.Contains(t, output, "transform -->|when| store")
	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef failed")
	assert.NotContains(t, output, "class fetch")
}

func TestRenderMermaidBranch(t *testing.T) {
	model, err := Build(branchWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "decide{")
	assert.Contains(t, output, `subgraph decide_then["decide: then"]`)
	assert.Contains(t, output, "decide_then_deploy[/")
	assert.Contains(t, output, "decide_then_deploy --> decide_then_announce")
	assert.Contains(t, output, "decide -.-> decide_else")
}

func TestRenderMermaidParallel(t *testing.T) {
	model, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "fan_out[[")
	assert.Contains(t, output, "fan_out_parallel_b1([")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	rec := &schema.RunRecord{
		Status:         schema.RunFailed,
		FailedActionID: "transform",
		Logs:           []schema.LogEntry{{ActionID: "fetch", Message: "action fetch completed"}},
	}
	model, err := Build(linearWorkflow(), rec)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class transform failed")
	assert.NotContains(t, output, "class store")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "fan_out_parallel_a1", mermaidSafeID("fan-out.parallel.a1"))
	assert.Equal(t, "a_b", mermaidSafeID("a b"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "say 'hi'", mermaidEscapeLabel(`say "hi"`))
}
