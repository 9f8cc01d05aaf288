package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

func TestWriteRunSummary_NamesFailingGateAndRestarts(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Version: "1",
		Name:    "release",
		Stages: []schema.StageDefinition{
			{ID: "build", Type: schema.StageTypeCustom},
			{ID: "verify", Type: schema.StageTypeCustom, DependsOn: []string{"build"}},
		},
	}

	run := store.NewRunState("r1", def, "/tmp", nil)
	run.Status = schema.RunStatusFailed
	run.Error = "failed stages: verify"
	run.Recursion = map[string]int{"verify->build": 2}

	now := time.Now().UTC()
	run.AppendResult(&store.StageResult{
		StageID: "build", Attempt: 1, Status: schema.StageStatusPassed,
		StartedAt: now, FinishedAt: &now,
	})
	run.AppendResult(&store.StageResult{
		StageID: "verify", Attempt: 1, Status: schema.StageStatusFailed,
		Reason: "verification", StartedAt: now, FinishedAt: &now,
		Verification: []schema.VerificationOutcome{
			{Gate: schema.GateFileExists, Detail: "dist/app.tar.gz", Passed: false, Message: "no such file"},
		},
	})

	var buf strings.Builder
	writeRunSummary(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, "gate file_exists failed: dist/app.tar.gz")
	assert.Contains(t, out, "no such file")
	assert.Contains(t, out, "verify->build: 2")
}
