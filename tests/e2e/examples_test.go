package e2e

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/config"
)

// The shipped example workflows must always pass validation.
func TestExampleWorkflowsValidate(t *testing.T) {
	loader, err := config.NewLoader()
	require.NoError(t, err)

	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths, "examples directory should ship workflows")

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			def, result, err := loader.Check(path)
			require.NoError(t, err)
			assert.True(t, result.Valid(), "errors: %v", result.Errors())
			assert.NotEmpty(t, def.Stages)
		})
	}
}
