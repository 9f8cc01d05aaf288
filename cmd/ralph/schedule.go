package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/scheduler"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// scheduledRunner adapts the orchestrator to the scheduler's runner
// interface. Every tick starts a fresh run.
type scheduledRunner struct {
	engine *engine.Orchestrator
}

func (r *scheduledRunner) RunScheduled(ctx context.Context, def *schema.WorkflowDefinition, workdir string) error {
	run, err := r.engine.Run(ctx, def, engine.RunOptions{Workdir: workdir})
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusCompleted {
		return fmt.Errorf("run %s finished %s: %s", run.RunID, run.Status, run.Error)
	}
	return nil
}

func cmdSchedule(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ralph schedule <workflow.yaml> [...]")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	sched := scheduler.NewScheduler(&scheduledRunner{engine: a.engine}, a.logger)

	for _, path := range args {
		def, err := a.loader.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ralph: %s: %v\n", path, err)
			return exitUsage
		}
		if err := sched.Add(path, def, filepath.Dir(path)); err != nil {
			fmt.Fprintf(os.Stderr, "ralph: %s: %v\n", path, err)
			return exitUsage
		}
	}

	if err := sched.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	for _, job := range sched.Jobs() {
		fmt.Printf("scheduled %s, next run %s\n", job.Path, job.NextRun.Format(time.RFC3339))
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down")
	if err := sched.Stop(); err != nil {
		a.logger.Warn("scheduler stop", "error", err)
	}
	return exitOK
}
