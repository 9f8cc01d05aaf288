package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// varFlags collects repeatable -var k=v flags.
type varFlags map[string]string

func (v varFlags) String() string { return "" }

func (v varFlags) Set(s string) error {
	k, val, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[k] = val
	return nil
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	vars := varFlags{}
	fs.Var(vars, "var", "variable override, key=value (repeatable)")
	workdir := fs.String("workdir", "", "working directory for stage commands (default: workflow file's directory)")
	runID := fs.String("run-id", "", "explicit run ID (default: generated)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ralph run <workflow.yaml> [-var k=v ...] [-workdir dir]")
		return exitUsage
	}
	path := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	def, err := a.loader.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	wd := *workdir
	if wd == "" {
		wd = filepath.Dir(path)
	}
	variables := make(map[string]any, len(vars))
	for k, v := range vars {
		variables[k] = v
	}

	run, runErr := a.engine.Run(ctx, def, engine.RunOptions{
		RunID:     *runID,
		Workdir:   wd,
		Variables: variables,
	})
	return reportRun(run, runErr)
}

func cmdResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	runID := fs.String("run-id", "", "resume this specific run instead of the workflow's latest")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 1 || (fs.NArg() == 0 && *runID == "") {
		fmt.Fprintln(os.Stderr, "usage: ralph resume [-run-id ID] <workflow-name>")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	id, err := resolveRunID(ctx, a, fs.Arg(0), *runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	run, runErr := a.engine.Resume(ctx, id)
	return reportRun(run, runErr)
}

// resolveRunID turns a workflow name into its most recent run ID. An
// explicit run ID wins; an empty workflow name means the latest run of any
// workflow.
func resolveRunID(ctx context.Context, a *app, workflow, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	id, err := a.store.LatestRun(ctx, workflow)
	if err != nil {
		if workflow == "" {
			return "", fmt.Errorf("no runs recorded")
		}
		return "", fmt.Errorf("no runs recorded for workflow %q", workflow)
	}
	return id, nil
}

// reportRun prints the final run summary and maps its outcome to an exit
// code: 0 completed, 1 failed or aborted, 2 when the run never started.
func reportRun(run *store.RunState, runErr error) int {
	if run == nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", runErr)
		return exitUsage
	}

	printRunSummary(run)

	switch run.Status {
	case schema.RunStatusCompleted:
		return exitOK
	default:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			fmt.Fprintf(os.Stderr, "ralph: %v\n", runErr)
		}
		return exitRunFailed
	}
}
