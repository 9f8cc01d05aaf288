package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

func TestRenderASCIIPipeline(t *testing.T) {
	model, err := Build(pipelineWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== Feature Pipeline ===")
	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "prd")
	assert.Contains(t, output, "plan")
	assert.Contains(t, output, "build")
	assert.Contains(t, output, "End")

	// Box-drawing borders.
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "└")
}

func TestRenderASCIIStatusTags(t *testing.T) {
	def := pipelineWorkflow()
	run := runWithResults(def, map[string]schema.StageStatus{
		"prd":   schema.StageStatusPassed,
		"plan":  schema.StageStatusFailed,
		"build": schema.StageStatusSkipped,
	})

	model, err := Build(def, run)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[SKIP]")
	assert.Contains(t, output, "250ms")
}

func TestRenderASCIIRestartPaths(t *testing.T) {
	model, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "--- restart paths ---")
	assert.Contains(t, output, "verify")
	assert.Contains(t, output, "implement")
	assert.Contains(t, output, "loop x3")
}

func TestRenderASCIINoRestartSectionWithoutLoops(t *testing.T) {
	model, err := Build(pipelineWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.NotContains(t, output, "restart paths")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag("passed"))
	assert.Equal(t, "[FAIL]", statusTag("failed"))
	assert.Equal(t, "[RUN]", statusTag("running"))
	assert.Equal(t, "[PEND]", statusTag("pending"))
	assert.Equal(t, "", statusTag("unknown"))
}
