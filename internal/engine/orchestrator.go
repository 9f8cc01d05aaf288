package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/dispatch"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/expressions"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/logging"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/verify"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

const (
	// DefaultPoolSize bounds how many stages of one level run concurrently.
	DefaultPoolSize = 4

	// DefaultStageTimeout applies when a stage does not set its own.
	DefaultStageTimeout = 30 * time.Minute
)

// Failure reasons recorded on failed stage results.
const (
	FailReasonExecution    = "execution_error"
	FailReasonCondition    = "condition_error"
	FailReasonTemplate     = "template_error"
	FailReasonTimeout      = "timeout"
	FailReasonExitCode     = "exit_code"
	FailReasonVerification = "verification_failed"
)

// Config tunes orchestrator behavior.
type Config struct {
	PoolSize     int
	StageTimeout time.Duration
}

// Deps wires the orchestrator's collaborators. Store and Dispatcher are
// required; Events is optional (runs work without an audit log).
type Deps struct {
	Store      store.Store
	Events     *store.EventLog
	Dispatcher *dispatch.Dispatcher
	Gates      *verify.Runner
	Logger     *slog.Logger

	// LoadDefinition loads a workflow definition from a path. Required only
	// when workflows contain factory stages.
	LoadDefinition func(path string) (*schema.WorkflowDefinition, error)
}

// Orchestrator drives a workflow run end to end: graph construction, level
// by level dispatch, verification, loop restarts, and persistence. It also
// implements dispatch.SubRunner so factory stages can spawn nested runs.
type Orchestrator struct {
	store      store.Store
	events     *store.EventLog
	dispatcher *dispatch.Dispatcher
	gates      *verify.Runner
	logger     *slog.Logger
	cfg        Config

	conditions *expressions.ConditionEvaluator
	interp     *expressions.Interpolator
	loadDef    func(path string) (*schema.WorkflowDefinition, error)
}

// RunOptions parameterizes a fresh run.
type RunOptions struct {
	RunID     string // generated when empty
	Workdir   string
	Variables map[string]any // overrides on top of the definition's variables
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires a store")
	}
	if deps.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires a dispatcher")
	}
	if deps.Gates == nil {
		deps.Gates = verify.NewRunner(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}

	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:      deps.Store,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		gates:      deps.Gates,
		logger:     deps.Logger,
		cfg:        cfg,
		conditions: conditions,
		interp:     expressions.NewInterpolator(),
		loadDef:    deps.LoadDefinition,
	}, nil
}

// Run executes a workflow definition from the start. The returned run state
// carries the final status; a failed run is not an error, only infra
// problems are.
func (o *Orchestrator) Run(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*store.RunState, error) {
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	variables := make(map[string]any, len(def.Variables)+len(opts.Variables))
	for k, v := range def.Variables {
		variables[k] = v
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}

	run := store.NewRunState(runID, def, opts.Workdir, variables)
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflow(logging.WithRunID(ctx, runID), def.Name)
	o.logger.InfoContext(ctx, "run started", slog.Int("stages", len(def.Stages)))
	o.emit(ctx, runID, "", schema.EventRunStarted, map[string]any{"workflow": def.Name})

	return o.executeRun(ctx, g, run)
}

// Resume continues an interrupted run from persisted state. Completed runs
// return as-is so resuming is idempotent. Stages caught mid-flight by the
// interruption are reset to pending and re-executed.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*store.RunState, error) {
	run, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflow(logging.WithRunID(ctx, runID), run.Workflow)
	if run.Status.Terminal() {
		o.logger.InfoContext(ctx, "run already finished", slog.String("status", string(run.Status)))
		return run, nil
	}

	g, err := BuildGraph(run.Definition)
	if err != nil {
		return nil, err
	}

	o.crossCheckAudit(ctx, run)

	var reset []string
	for id, st := range run.Statuses {
		if st == schema.StageStatusRunning {
			run.Statuses[id] = schema.StageStatusPending
			reset = append(reset, id)
		}
	}
	sort.Strings(reset)

	o.logger.InfoContext(ctx, "run resumed", slog.Any("reset_stages", reset))
	o.emit(ctx, runID, "", schema.EventRunResumed, map[string]any{"reset_stages": reset})

	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return o.executeRun(ctx, g, run)
}

// crossCheckAudit replays the audit event log and compares the statuses it
// yields with the persisted run state. The file store stays authoritative;
// disagreement is reported, not repaired, since the log may simply have
// missed appends the store committed.
func (o *Orchestrator) crossCheckAudit(ctx context.Context, run *store.RunState) {
	if o.events == nil {
		return
	}
	replayed, err := o.events.ReplayStageStatuses(ctx, run.RunID)
	if err != nil {
		o.logger.WarnContext(ctx, "audit log replay failed", slog.String("error", err.Error()))
		return
	}
	for id, logged := range replayed {
		if stored := run.StageStatus(id); stored != logged {
			o.logger.WarnContext(ctx, "audit log disagrees with run state",
				slog.String("stage_id", id),
				slog.String("stored", string(stored)),
				slog.String("logged", string(logged)))
		}
	}
}

// RunWorkflow implements dispatch.SubRunner: factory stages call this to
// spawn a nested run of the definition at path.
func (o *Orchestrator) RunWorkflow(ctx context.Context, path string, variables map[string]any, workdir string) (*dispatch.NestedResult, error) {
	if o.loadDef == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no workflow loader configured for nested runs")
	}
	def, err := o.loadDef(path)
	if err != nil {
		return nil, err
	}

	run, err := o.Run(ctx, def, RunOptions{Workdir: workdir, Variables: variables})
	if err != nil {
		return nil, err
	}

	stages := make(map[string]any, len(run.Statuses))
	for id, st := range run.Statuses {
		stages[id] = string(st)
	}
	return &dispatch.NestedResult{
		RunID:    run.RunID,
		Workflow: run.Workflow,
		Status:   run.Status,
		Stages:   stages,
	}, nil
}

// executeRun walks the graph level by level. Stages within a level run
// concurrently; the level boundary is a barrier, so loop restarts and skip
// decisions always see a consistent picture of everything upstream.
func (o *Orchestrator) executeRun(ctx context.Context, g *Graph, run *store.RunState) (*store.RunState, error) {
	scope := expressions.NewScope(run.Variables, runView(run))
	for _, id := range g.Sorted {
		if view := run.StageView(id); view != nil {
			scope.AddStage(id, view)
		}
	}

	var mu sync.Mutex

	// The first stage result that cannot be durably recorded stops the run;
	// continuing would build on state the store never saw.
	var persistErr error
	keepPersistErr := func(err error) {
		mu.Lock()
		if persistErr == nil {
			persistErr = err
		}
		mu.Unlock()
	}

	levelIdx := 0
	for levelIdx < len(g.Levels) {
		if ctx.Err() != nil {
			return o.finishAborted(run, ctx.Err())
		}

		level := g.Levels[levelIdx]
		executed := make([]string, 0, len(level))
		configs := make(map[string]map[string]any, len(level))

		for _, id := range level {
			if run.StageStatus(id) != schema.StageStatusPending {
				continue
			}
			stage := g.Stages[id]
			stageScope := scope.WithRecursionCount(o.recursionCount(run, stage))

			blocked := o.upstreamBlocked(g, run, id)

			if stage.Condition != "" {
				ok, err := o.conditions.Evaluate(ctx, stage.Condition, stageScope)
				if err != nil {
					if rerr := o.recordLocalFailure(ctx, run, scope, id, FailReasonCondition, err); rerr != nil {
						return run, rerr
					}
					continue
				}
				if !ok {
					if rerr := o.recordSkip(ctx, run, scope, id, schema.SkipReasonCondition); rerr != nil {
						return run, rerr
					}
					continue
				}
				// An explicitly true condition dispatches even past a failed
				// dependency; the author opted in to looking at its result.
			} else if blocked {
				if rerr := o.recordSkip(ctx, run, scope, id, schema.SkipReasonUpstream); rerr != nil {
					return run, rerr
				}
				continue
			}

			resolved, err := o.resolveConfig(stage, stageScope)
			if err != nil {
				if rerr := o.recordLocalFailure(ctx, run, scope, id, FailReasonTemplate, err); rerr != nil {
					return run, rerr
				}
				continue
			}

			configs[id] = resolved
			executed = append(executed, id)
		}

		if len(executed) > 0 {
			tasks := make([]func(context.Context), 0, len(executed))
			for _, id := range executed {
				stage := g.Stages[id]
				config := configs[id]
				tasks = append(tasks, func(ctx context.Context) {
					if err := o.executeStage(ctx, run, stage, config, &mu); err != nil {
						keepPersistErr(err)
					}
				})
			}
			runBounded(ctx, o.cfg.PoolSize, tasks)
		}

		mu.Lock()
		levelPersistErr := persistErr
		mu.Unlock()
		if levelPersistErr != nil {
			return run, levelPersistErr
		}

		// Barrier reached: fold this level's results into the scope and
		// apply variable exports before looking at failures.
		for _, id := range executed {
			if view := run.StageView(id); view != nil {
				scope.AddStage(id, view)
			}
			if run.StageStatus(id) == schema.StageStatusPassed {
				o.applyExports(ctx, run, g.Stages[id], scope)
			}
		}
		if err := o.store.SaveRun(ctx, run); err != nil {
			return run, err
		}

		if ctx.Err() != nil {
			return o.finishAborted(run, ctx.Err())
		}

		restarted := false
		for _, id := range level {
			if run.StageStatus(id) != schema.StageStatusFailed {
				continue
			}
			decision, exhausted := DecideLoop(g, run, id)
			if exhausted {
				owner := findLoopOwner(g, id)
				o.logger.Warn("loop budget exhausted",
					slog.String("run_id", run.RunID),
					slog.String("stage_id", id),
					slog.String("owner", owner.ID),
					slog.Int("max_loops", owner.MaxLoops))
				o.emit(ctx, run.RunID, id, schema.EventLoopExhausted, map[string]any{
					"owner":     owner.ID,
					"target":    owner.LoopTo,
					"max_loops": owner.MaxLoops,
				})
				continue
			}
			if decision == nil {
				continue
			}

			run.Recursion[decision.Key] = decision.Count
			for _, rid := range decision.Reset {
				if run.StageStatus(rid) == schema.StageStatusPending {
					continue
				}
				if err := TransitionStage(run, rid, schema.StageStatusPending); err != nil {
					return run, err
				}
			}

			o.logger.Info("loop restart",
				slog.String("run_id", run.RunID),
				slog.String("failed_stage", id),
				slog.String("target", decision.Target),
				slog.Int("count", decision.Count))
			o.emit(ctx, run.RunID, id, schema.EventLoopRestart, map[string]any{
				"owner":  decision.OwnerID,
				"target": decision.Target,
				"count":  decision.Count,
				"reset":  decision.Reset,
			})

			if err := o.store.SaveRun(ctx, run); err != nil {
				return run, err
			}
			levelIdx = g.LevelOf[decision.Target]
			restarted = true
			break
		}
		if restarted {
			continue
		}

		levelIdx++
	}

	return o.finish(ctx, run)
}

// finish assigns the terminal run status from the stage outcomes.
func (o *Orchestrator) finish(ctx context.Context, run *store.RunState) (*store.RunState, error) {
	var failed []string
	for _, stage := range run.Definition.Stages {
		if run.StageStatus(stage.ID) == schema.StageStatusFailed {
			failed = append(failed, stage.ID)
		}
	}

	now := time.Now().UTC()
	run.FinishedAt = &now

	if len(failed) > 0 {
		if err := TransitionRun(run, schema.RunStatusFailed); err != nil {
			return run, err
		}
		run.Error = "failed stages: " + strings.Join(failed, ", ")
		o.logger.Warn("run failed",
			slog.String("run_id", run.RunID),
			slog.Any("failed_stages", failed))
		o.emit(ctx, run.RunID, "", schema.EventRunFailed, map[string]any{"failed_stages": failed})
	} else {
		if err := TransitionRun(run, schema.RunStatusCompleted); err != nil {
			return run, err
		}
		o.logger.Info("run completed", slog.String("run_id", run.RunID))
		o.emit(ctx, run.RunID, "", schema.EventRunCompleted, nil)
	}

	if err := o.store.SaveRun(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// finishAborted persists an aborted run after context cancellation. The
// persisted state stays resumable through Resume.
func (o *Orchestrator) finishAborted(run *store.RunState, cause error) (*store.RunState, error) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Error = cause.Error()
	if err := TransitionRun(run, schema.RunStatusAborted); err != nil {
		return run, err
	}

	// Persist with a fresh context; the run's own context is already dead.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.logger.Warn("run aborted", slog.String("run_id", run.RunID), slog.String("cause", cause.Error()))
	o.emit(saveCtx, run.RunID, "", schema.EventRunAborted, map[string]any{"cause": cause.Error()})

	if err := o.store.SaveRun(saveCtx, run); err != nil {
		return run, err
	}
	return run, schema.NewErrorf(schema.ErrCodeCancelled, "run %s aborted: %v", run.RunID, cause).WithCause(cause)
}

// executeStage runs one stage attempt: dispatch, verification gates, result
// persistence. Called concurrently within a level; run state mutation is
// serialized through mu. The returned error is a failure to persist the
// result, which the caller treats as fatal for the run.
func (o *Orchestrator) executeStage(ctx context.Context, run *store.RunState, stage *schema.StageDefinition, config map[string]any, mu *sync.Mutex) error {
	ctx = logging.WithStageID(ctx, stage.ID)

	mu.Lock()
	attempt := run.NextAttempt(stage.ID)
	prior := priorFailureSummary(run.LatestResult(stage.ID))
	if err := TransitionStage(run, stage.ID, schema.StageStatusRunning); err != nil {
		mu.Unlock()
		o.logger.ErrorContext(ctx, "stage transition rejected",
			slog.String("run_id", run.RunID),
			slog.String("stage_id", stage.ID),
			slog.String("error", err.Error()))
		return nil
	}
	mu.Unlock()

	o.logger.InfoContext(ctx, "stage started",
		slog.String("run_id", run.RunID),
		slog.String("stage_id", stage.ID),
		slog.String("type", string(stage.Type)),
		slog.Int("attempt", attempt))
	o.emit(ctx, run.RunID, stage.ID, schema.EventStageStarted, map[string]any{"attempt": attempt})

	timeout := o.cfg.StageTimeout
	if stage.Timeout != "" {
		if d, err := time.ParseDuration(stage.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	started := time.Now().UTC()
	res := &store.StageResult{
		StageID:   stage.ID,
		Attempt:   attempt,
		StartedAt: started,
	}

	outcome, execErr := o.dispatcher.Execute(ctx, &dispatch.Request{
		Stage:        stage,
		Config:       config,
		Agent:        run.Definition.Agents,
		RunID:        run.RunID,
		Workdir:      run.Workdir,
		Timeout:      timeout,
		Attempt:      attempt,
		PriorFailure: prior,
	})
	if outcome != nil {
		res.ExitCode = outcome.ExitCode
		res.Killed = outcome.Killed
		res.Output = outcome.Output
		res.Artifacts = outcome.Artifacts
		res.Derived = outcome.Derived
	}

	switch {
	case execErr != nil:
		res.Reason = FailReasonExecution
		res.Error = execErr.Error()
	case outcome.Killed:
		res.Reason = FailReasonTimeout
	case outcome.ExitCode != 0:
		res.Reason = FailReasonExitCode
	}

	// Gates run whenever the process actually executed, including after a
	// bad exit code: the report should show everything that is broken.
	if execErr == nil {
		outcomes, ok := o.gates.RunGates(ctx, stage.Verify, verify.GateInput{
			Workdir:    run.Workdir,
			StageStart: started,
		})
		res.Verification = outcomes
		if !ok && res.Reason == "" {
			res.Reason = FailReasonVerification
		}
		for _, g := range outcomes {
			if !g.Passed {
				o.emit(ctx, run.RunID, stage.ID, schema.EventGateFailed, map[string]any{
					"gate":    string(g.Gate),
					"detail":  g.Detail,
					"message": g.Message,
				})
			}
		}
	}

	now := time.Now().UTC()
	res.FinishedAt = &now

	if res.Reason == "" {
		res.Status = schema.StageStatusPassed
	} else {
		res.Status = schema.StageStatusFailed
	}

	mu.Lock()
	if err := TransitionStage(run, stage.ID, res.Status); err != nil {
		// Force-overwrite rather than lose the attempt; the transition maps
		// cover every path executeStage takes, so this should not happen.
		run.Statuses[stage.ID] = res.Status
	}
	run.AppendResult(res)
	mu.Unlock()

	if err := o.store.SaveStageResult(ctx, run.RunID, res); err != nil {
		o.logger.ErrorContext(ctx, "persist stage result",
			slog.String("run_id", run.RunID),
			slog.String("stage_id", stage.ID),
			slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeStore,
			"stage %s result not recorded: %s", stage.ID, err.Error()).
			WithStage(stage.ID).WithCause(err)
	}

	if res.Status == schema.StageStatusPassed {
		o.logger.InfoContext(ctx, "stage passed",
			slog.String("run_id", run.RunID),
			slog.String("stage_id", stage.ID),
			slog.Int("attempt", attempt),
			slog.Duration("duration", now.Sub(started)))
		o.emit(ctx, run.RunID, stage.ID, schema.EventStagePassed, map[string]any{"attempt": attempt})
	} else {
		o.logger.WarnContext(ctx, "stage failed",
			slog.String("run_id", run.RunID),
			slog.String("stage_id", stage.ID),
			slog.Int("attempt", attempt),
			slog.String("reason", res.Reason))
		o.emit(ctx, run.RunID, stage.ID, schema.EventStageFailed, map[string]any{
			"attempt": attempt,
			"reason":  res.Reason,
			"error":   res.Error,
		})
	}
	return nil
}

// recordSkip marks a pending stage skipped without dispatching it. The
// returned error is a persist failure, fatal for the run.
func (o *Orchestrator) recordSkip(ctx context.Context, run *store.RunState, scope *expressions.Scope, stageID, reason string) error {
	now := time.Now().UTC()
	res := &store.StageResult{
		StageID:    stageID,
		Attempt:    run.NextAttempt(stageID),
		Status:     schema.StageStatusSkipped,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: &now,
	}

	if err := TransitionStage(run, stageID, schema.StageStatusSkipped); err != nil {
		o.logger.Error("skip transition rejected",
			slog.String("stage_id", stageID),
			slog.String("error", err.Error()))
		return nil
	}
	run.AppendResult(res)
	scope.AddStage(stageID, run.StageView(stageID))

	if err := o.store.SaveStageResult(ctx, run.RunID, res); err != nil {
		o.logger.Error("persist skip result",
			slog.String("stage_id", stageID),
			slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeStore,
			"stage %s skip not recorded: %s", stageID, err.Error()).
			WithStage(stageID).WithCause(err)
	}

	o.logger.Info("stage skipped",
		slog.String("run_id", run.RunID),
		slog.String("stage_id", stageID),
		slog.String("reason", reason))
	o.emit(ctx, run.RunID, stageID, schema.EventStageSkipped, map[string]any{"reason": reason})
	return nil
}

// recordLocalFailure fails a stage before dispatch, for condition or template
// resolution errors. The returned error is a persist failure, fatal for the
// run.
func (o *Orchestrator) recordLocalFailure(ctx context.Context, run *store.RunState, scope *expressions.Scope, stageID, reason string, cause error) error {
	now := time.Now().UTC()
	res := &store.StageResult{
		StageID:    stageID,
		Attempt:    run.NextAttempt(stageID),
		Status:     schema.StageStatusFailed,
		Reason:     reason,
		Error:      cause.Error(),
		StartedAt:  now,
		FinishedAt: &now,
	}

	if err := TransitionStage(run, stageID, schema.StageStatusRunning); err == nil {
		_ = TransitionStage(run, stageID, schema.StageStatusFailed)
	} else {
		run.Statuses[stageID] = schema.StageStatusFailed
	}
	run.AppendResult(res)
	scope.AddStage(stageID, run.StageView(stageID))

	if err := o.store.SaveStageResult(ctx, run.RunID, res); err != nil {
		o.logger.Error("persist failure result",
			slog.String("stage_id", stageID),
			slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeStore,
			"stage %s failure not recorded: %s", stageID, err.Error()).
			WithStage(stageID).WithCause(err)
	}

	o.logger.Warn("stage failed before dispatch",
		slog.String("run_id", run.RunID),
		slog.String("stage_id", stageID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()))
	o.emit(ctx, run.RunID, stageID, schema.EventStageFailed, map[string]any{
		"reason": reason,
		"error":  cause.Error(),
	})
	return nil
}

// resolveConfig template-resolves a stage's config against the scope. The
// export block is excluded: it references the stage's own output and is
// resolved after the stage passes.
func (o *Orchestrator) resolveConfig(stage *schema.StageDefinition, scope *expressions.Scope) (map[string]any, error) {
	if len(stage.Config) == 0 {
		return map[string]any{}, nil
	}
	pre := make(map[string]any, len(stage.Config))
	for k, v := range stage.Config {
		if k == "export" {
			continue
		}
		pre[k] = v
	}
	resolved, err := o.interp.ResolveValue(pre, scope)
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage %s config did not resolve to a map", stage.ID).WithStage(stage.ID)
	}
	return m, nil
}

// applyExports resolves a passed stage's export block and writes the results
// into the workflow variables. Export templates see the stage's own result
// through the stages namespace.
func (o *Orchestrator) applyExports(ctx context.Context, run *store.RunState, stage *schema.StageDefinition, scope *expressions.Scope) {
	raw, ok := stage.Config["export"].(map[string]any)
	if !ok || len(raw) == 0 {
		return
	}

	for _, name := range exportNames(raw) {
		value, err := o.interp.ResolveValue(raw[name], scope)
		if err != nil {
			o.logger.Warn("export resolution failed",
				slog.String("stage_id", stage.ID),
				slog.String("variable", name),
				slog.String("error", err.Error()))
			continue
		}
		if run.Variables == nil {
			run.Variables = make(map[string]any)
		}
		run.Variables[name] = value
		scope.SetVariable(name, value)

		o.logger.Info("variable set",
			slog.String("run_id", run.RunID),
			slog.String("stage_id", stage.ID),
			slog.String("variable", name))
		o.emit(ctx, run.RunID, stage.ID, schema.EventVariableSet, map[string]any{"variable": name})
	}
}

// exportNames returns the export block's variable names in sorted order so
// writes and events are deterministic.
func exportNames(raw map[string]any) []string {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// upstreamBlocked reports whether a dependency prevents the stage from
// dispatching: a failed dependency, or one skipped because its own upstream
// failed. Skips from a false condition do not block; the workflow author
// chose that branch deliberately.
func (o *Orchestrator) upstreamBlocked(g *Graph, run *store.RunState, stageID string) bool {
	for _, dep := range g.Deps[stageID] {
		switch run.StageStatus(dep) {
		case schema.StageStatusFailed:
			return true
		case schema.StageStatusSkipped:
			if res := run.LatestResult(dep); res != nil && res.Reason == schema.SkipReasonUpstream {
				return true
			}
		}
	}
	return false
}

// recursionCount returns the loop restart count visible to a stage's
// condition and templates. Stages carrying a loop directive see their pair
// counter; everything else sees how many times it already ran.
func (o *Orchestrator) recursionCount(run *store.RunState, stage *schema.StageDefinition) int {
	if stage.LoopTo != "" {
		return run.Recursion[store.RecursionKey(stage.ID, stage.LoopTo)]
	}
	return len(run.Results[stage.ID])
}

// priorFailureSummary condenses the previous failed attempt for retry
// prompts. Passed or absent attempts contribute nothing.
func priorFailureSummary(res *store.StageResult) string {
	if res == nil || res.Status != schema.StageStatusFailed {
		return ""
	}
	var parts []string
	if res.Error != "" {
		parts = append(parts, res.Error)
	}
	for _, g := range res.Verification {
		if !g.Passed {
			parts = append(parts, "gate "+g.Detail+": "+g.Message)
		}
	}
	if len(parts) == 0 && res.Reason != "" {
		parts = append(parts, res.Reason)
	}
	return strings.Join(parts, "; ")
}

// runView builds the run namespace visible to templates and conditions.
func runView(run *store.RunState) map[string]any {
	return map[string]any{
		"id":         run.RunID,
		"workflow":   run.Workflow,
		"workdir":    run.Workdir,
		"started_at": run.StartedAt.Format(time.RFC3339),
	}
}

// emit appends to the audit event log when one is configured. Event log
// failures are logged and swallowed; the file store remains authoritative.
func (o *Orchestrator) emit(ctx context.Context, runID, stageID, eventType string, payload map[string]any) {
	if o.events == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	if err := o.events.Append(ctx, &store.Event{
		RunID:   runID,
		StageID: stageID,
		Type:    eventType,
		Payload: raw,
	}); err != nil {
		o.logger.Warn("event append failed",
			slog.String("run_id", runID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
