package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/dispatch"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/expressions"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/verify"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Orchestrator, *store.FileStore) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	d := dispatch.NewDispatcher(nil)
	d.Register(dispatch.NewShellHandler(expressions.NewGoJQEngine(), nil))

	o, err := New(Deps{
		Store:      fs,
		Dispatcher: d,
		Gates:      verify.NewRunner(nil),
	}, Config{PoolSize: 2, StageTimeout: time.Minute})
	require.NoError(t, err)
	return o, fs
}

func shellStage(id, command string, deps ...string) schema.StageDefinition {
	st := custom(id, deps...)
	st.Config = map[string]any{"command": command}
	return st
}

func TestOrchestrator_LinearRunCompletes(t *testing.T) {
	o, fs := newTestEngine(t)
	def := defWith(
		shellStage("first", "echo one"),
		shellStage("second", "echo two", "first"),
	)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StageStatusPassed, run.StageStatus("first"))
	assert.Equal(t, schema.StageStatusPassed, run.StageStatus("second"))
	require.NotNil(t, run.FinishedAt)

	loaded, err := fs.LoadRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, loaded.Status)
	require.Len(t, loaded.Results["first"], 1)
	assert.Contains(t, loaded.Results["first"][0].Output, "one")
}

func TestOrchestrator_UpstreamFailureCascades(t *testing.T) {
	o, _ := newTestEngine(t)
	def := defWith(
		shellStage("a", "exit 1"),
		shellStage("b", "echo b", "a"),
		shellStage("c", "echo c", "b"),
	)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, schema.StageStatusFailed, run.StageStatus("a"))
	assert.Equal(t, schema.StageStatusSkipped, run.StageStatus("b"))
	assert.Equal(t, schema.StageStatusSkipped, run.StageStatus("c"))
	assert.Equal(t, schema.SkipReasonUpstream, run.LatestResult("b").Reason)
	assert.Equal(t, schema.SkipReasonUpstream, run.LatestResult("c").Reason)
	assert.Contains(t, run.Error, "a")
}

func TestOrchestrator_ConditionFalseSkipDoesNotCascade(t *testing.T) {
	o, _ := newTestEngine(t)
	gated := shellStage("gated", "echo gated")
	gated.Condition = "variables.enabled"
	def := defWith(gated, shellStage("after", "echo after", "gated"))
	def.Variables = map[string]any{"enabled": false}

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StageStatusSkipped, run.StageStatus("gated"))
	assert.Equal(t, schema.SkipReasonCondition, run.LatestResult("gated").Reason)
	assert.Equal(t, schema.StageStatusPassed, run.StageStatus("after"))
}

func TestOrchestrator_ConditionOnUpstreamOutcomeBooleans(t *testing.T) {
	o, _ := newTestEngine(t)
	deploy := shellStage("deploy", "echo shipping", "tests")
	deploy.Condition = "stages.tests.passed"
	rollback := shellStage("rollback", "echo rolling back", "tests")
	rollback.Condition = "stages.tests.failed"
	def := defWith(shellStage("tests", "echo ok"), deploy, rollback)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StageStatusPassed, run.StageStatus("deploy"))
	assert.Equal(t, schema.StageStatusSkipped, run.StageStatus("rollback"))
	assert.Equal(t, schema.SkipReasonCondition, run.LatestResult("rollback").Reason)
}

func TestOrchestrator_ConditionErrorFailsStage(t *testing.T) {
	o, _ := newTestEngine(t)
	st := shellStage("broken", "echo never runs")
	st.Condition = "variables.missing.deep"
	def := defWith(st)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	res := run.LatestResult("broken")
	require.NotNil(t, res)
	assert.Equal(t, schema.StageStatusFailed, res.Status)
	assert.Equal(t, FailReasonCondition, res.Reason)
}

func TestOrchestrator_TemplateErrorFailsStage(t *testing.T) {
	o, _ := newTestEngine(t)
	def := defWith(shellStage("bad", "echo {{ stages.ghost.output }}"))

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	res := run.LatestResult("bad")
	assert.Equal(t, FailReasonTemplate, res.Reason)
	assert.Contains(t, res.Error, "ghost")
}

func TestOrchestrator_GatesOverruleExitCode(t *testing.T) {
	o, _ := newTestEngine(t)
	st := shellStage("claims-success", "echo all done")
	st.Verify = []schema.VerificationGate{{Kind: schema.GateFileExists, Path: "artifact.txt"}}
	def := defWith(st, shellStage("after", "echo after", "claims-success"))

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	res := run.LatestResult("claims-success")
	assert.Equal(t, schema.StageStatusFailed, res.Status)
	assert.Equal(t, FailReasonVerification, res.Reason)
	require.Len(t, res.Verification, 1)
	assert.False(t, res.Verification[0].Passed)
	assert.Equal(t, schema.StageStatusSkipped, run.StageStatus("after"))
}

func TestOrchestrator_GatePassesOnRealArtifact(t *testing.T) {
	o, _ := newTestEngine(t)
	st := shellStage("writer", "echo ready > artifact.txt")
	st.Verify = []schema.VerificationGate{
		{Kind: schema.GateFileExists, Path: "artifact.txt"},
		{Kind: schema.GateFileContains, Path: "artifact.txt", Substring: "ready"},
	}
	def := defWith(st)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	res := run.LatestResult("writer")
	require.Len(t, res.Verification, 2)
	assert.True(t, res.Verification[0].Passed)
	assert.True(t, res.Verification[1].Passed)
}

func TestOrchestrator_LoopRetriesUntilPass(t *testing.T) {
	o, _ := newTestEngine(t)
	flaky := shellStage("flaky", "if [ -f done ]; then exit 0; else touch done; exit 1; fi")
	flaky.LoopTo = "flaky"
	flaky.MaxLoops = 3
	def := defWith(flaky)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Len(t, run.Results["flaky"], 2)
	assert.Equal(t, 1, run.Recursion["flaky->flaky"])
	assert.Equal(t, 2, run.LatestResult("flaky").Attempt)
}

func TestOrchestrator_LoopRestartRewindsUpstream(t *testing.T) {
	o, _ := newTestEngine(t)
	workdir := t.TempDir()
	// implement appends a line each attempt; verify fails until two lines exist.
	implement := shellStage("implement", "echo line >> progress.txt")
	vf := shellStage("verify", `[ "$(wc -l < progress.txt)" -ge 2 ]`, "implement")
	vf.LoopTo = "implement"
	vf.MaxLoops = 3
	def := defWith(implement, vf)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: workdir})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Len(t, run.Results["implement"], 2)
	assert.Len(t, run.Results["verify"], 2)
	assert.Equal(t, 1, run.Recursion["verify->implement"])
}

func TestOrchestrator_LoopExhaustionLeavesFailure(t *testing.T) {
	o, _ := newTestEngine(t)
	flaky := shellStage("flaky", "exit 1")
	flaky.LoopTo = "flaky"
	flaky.MaxLoops = 2
	def := defWith(flaky, shellStage("after", "echo after", "flaky"))

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, schema.StageStatusFailed, run.StageStatus("flaky"))
	assert.Len(t, run.Results["flaky"], 3)
	assert.Equal(t, 2, run.Recursion["flaky->flaky"])
	assert.Equal(t, schema.SkipReasonUpstream, run.LatestResult("after").Reason)
}

func TestOrchestrator_ConditionSeesRecursionCount(t *testing.T) {
	o, _ := newTestEngine(t)
	flaky := shellStage("flaky", "exit 1")
	flaky.LoopTo = "flaky"
	flaky.MaxLoops = 5
	flaky.Condition = "recursion_count < 1"
	def := defWith(flaky)

	// Attempt one fails and grants a restart; the condition then sees
	// recursion_count 1 and skips, so the run completes without exhausting.
	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StageStatusSkipped, run.StageStatus("flaky"))
	assert.Equal(t, 1, run.Recursion["flaky->flaky"])
}

func TestOrchestrator_VariableExport(t *testing.T) {
	o, _ := newTestEngine(t)
	producer := shellStage("producer", `echo '{"version": "1.2.3"}'`)
	producer.Config["export"] = map[string]any{
		"version": "{{ stages.producer.output.version }}",
	}
	consumer := shellStage("consumer", "echo building {{ variables.version }}", "producer")
	def := defWith(producer, consumer)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "1.2.3", run.Variables["version"])
	assert.Contains(t, run.LatestResult("consumer").Output, "building 1.2.3")
}

func TestOrchestrator_StageTimeout(t *testing.T) {
	o, _ := newTestEngine(t)
	slow := shellStage("slow", "sleep 5")
	slow.Timeout = "150ms"
	def := defWith(slow)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	res := run.LatestResult("slow")
	assert.Equal(t, FailReasonTimeout, res.Reason)
	assert.True(t, res.Killed)
}

func TestOrchestrator_RunOptionsOverrideVariables(t *testing.T) {
	o, _ := newTestEngine(t)
	def := defWith(shellStage("echoer", "echo env={{ variables.env }}"))
	def.Variables = map[string]any{"env": "dev"}

	run, err := o.Run(context.Background(), def, RunOptions{
		Workdir:   t.TempDir(),
		Variables: map[string]any{"env": "prod"},
	})
	require.NoError(t, err)
	assert.Contains(t, run.LatestResult("echoer").Output, "env=prod")
}

func TestOrchestrator_ResumeFinishedRunIsIdempotent(t *testing.T) {
	o, _ := newTestEngine(t)
	def := defWith(shellStage("only", "echo once"))

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	resumed, err := o.Resume(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Len(t, resumed.Results["only"], 1)
}

func TestOrchestrator_ResumeContinuesInterruptedRun(t *testing.T) {
	o, fs := newTestEngine(t)
	def := defWith(
		shellStage("first", "echo one"),
		shellStage("second", "echo two", "first"),
	)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)

	// Rewrite the persisted state as if the process died mid-second-stage.
	interrupted, err := fs.LoadRun(context.Background(), run.RunID)
	require.NoError(t, err)
	interrupted.Status = schema.RunStatusRunning
	interrupted.Statuses["second"] = schema.StageStatusRunning
	interrupted.FinishedAt = nil
	require.NoError(t, fs.SaveRun(context.Background(), interrupted))

	resumed, err := o.Resume(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Equal(t, schema.StageStatusPassed, resumed.StageStatus("second"))
	// first stage kept its original single attempt; second re-ran.
	assert.Len(t, resumed.Results["first"], 1)
	assert.Len(t, resumed.Results["second"], 2)
}

func TestOrchestrator_ResumeWithAuditLogCrossCheck(t *testing.T) {
	ctx := context.Background()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	db, err := store.OpenAuditDB(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	events := store.NewEventLog(db)
	t.Cleanup(func() { events.Close() })

	d := dispatch.NewDispatcher(nil)
	d.Register(dispatch.NewShellHandler(expressions.NewGoJQEngine(), nil))
	o, err := New(Deps{
		Store:      fs,
		Events:     events,
		Dispatcher: d,
		Gates:      verify.NewRunner(nil),
	}, Config{PoolSize: 2, StageTimeout: time.Minute})
	require.NoError(t, err)

	def := defWith(
		shellStage("first", "echo one"),
		shellStage("second", "echo two", "first"),
	)
	run, err := o.Run(ctx, def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	// Rewind the persisted state as if second was caught mid-flight; the
	// audit log still carries the full event history and must not prevent
	// the resume from completing.
	interrupted, err := fs.LoadRun(ctx, run.RunID)
	require.NoError(t, err)
	interrupted.Status = schema.RunStatusRunning
	interrupted.Statuses["second"] = schema.StageStatusRunning
	interrupted.FinishedAt = nil
	require.NoError(t, fs.SaveRun(ctx, interrupted))

	resumed, err := o.Resume(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)

	replayed, err := events.ReplayStageStatuses(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusPassed, replayed["first"])
	assert.Equal(t, schema.StageStatusPassed, replayed["second"])
}

func TestOrchestrator_CancelledContextAborts(t *testing.T) {
	o, fs := newTestEngine(t)
	def := defWith(shellStage("only", "echo never"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := o.Run(ctx, def, RunOptions{Workdir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusAborted, run.Status)

	loaded, err := fs.LoadRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, loaded.Status)
}

// brokenResultStore persists everything except stage results.
type brokenResultStore struct {
	store.Store
}

func (b *brokenResultStore) SaveStageResult(context.Context, string, *store.StageResult) error {
	return schema.NewError(schema.ErrCodeStore, "disk full")
}

func TestOrchestrator_ResultPersistFailureAbortsRun(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	d := dispatch.NewDispatcher(nil)
	d.Register(dispatch.NewShellHandler(expressions.NewGoJQEngine(), nil))
	o, err := New(Deps{
		Store:      &brokenResultStore{Store: fs},
		Dispatcher: d,
		Gates:      verify.NewRunner(nil),
	}, Config{PoolSize: 2, StageTimeout: time.Minute})
	require.NoError(t, err)

	def := defWith(
		shellStage("first", "echo one"),
		shellStage("second", "echo two", "first"),
	)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "first")
	// The run must not report success when no result was durably recorded.
	assert.NotEqual(t, schema.RunStatusCompleted, run.Status)
	assert.Nil(t, run.LatestResult("second"))
}

func TestOrchestrator_ParallelLevelRunsAllStages(t *testing.T) {
	o, _ := newTestEngine(t)
	def := defWith(
		shellStage("root", "echo root"),
		shellStage("left", "echo left", "root"),
		shellStage("right", "echo right", "root"),
		shellStage("join", "echo join", "left", "right"),
	)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	for _, id := range []string{"root", "left", "right", "join"} {
		assert.Equal(t, schema.StageStatusPassed, run.StageStatus(id), id)
	}
}

func TestOrchestrator_FactoryStageSpawnsNestedRun(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	nested := defWith(shellStage("inner", "echo nested"))

	d := dispatch.NewDispatcher(nil)
	d.Register(dispatch.NewShellHandler(expressions.NewGoJQEngine(), nil))
	factory := dispatch.NewFactoryHandler(nil)
	d.Register(factory)

	o, err := New(Deps{
		Store:      fs,
		Dispatcher: d,
		LoadDefinition: func(path string) (*schema.WorkflowDefinition, error) {
			return nested, nil
		},
	}, Config{})
	require.NoError(t, err)
	factory.Bind(o)

	spawn := custom("spawn")
	spawn.Type = schema.StageTypeFactory
	spawn.Config = map[string]any{"workflow": "nested.yaml"}
	def := defWith(spawn)

	run, err := o.Run(context.Background(), def, RunOptions{Workdir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	res := run.LatestResult("spawn")
	assert.Equal(t, schema.StageStatusPassed, res.Status)
	assert.NotEmpty(t, res.Derived["run_id"])
	assert.Equal(t, "completed", res.Derived["status"])

	// Both the outer and the nested run are persisted.
	runs, err := fs.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
