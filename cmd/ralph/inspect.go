package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/diagram"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	explicitID := fs.String("run-id", "", "inspect this specific run instead of the workflow's latest")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: ralph status [-run-id ID] [workflow-name]")
		return exitUsage
	}

	ctx := context.Background()
	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	runID, err := resolveRunID(ctx, a, fs.Arg(0), *explicitID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	run, err := a.store.LoadRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	printRunSummary(run)

	// Tail of the audit timeline, when available.
	if a.events != nil {
		events, evErr := a.events.Events(ctx, runID, 0)
		if evErr == nil && len(events) > 0 {
			if len(events) > 10 {
				events = events[len(events)-10:]
			}
			fmt.Println("\nrecent events:")
			for _, ev := range events {
				stage := ev.StageID
				if stage != "" {
					stage = " " + stage
				}
				fmt.Printf("  %3d  %s  %s%s\n", ev.Sequence, ev.Timestamp.Format(time.TimeOnly), ev.Type, stage)
			}
		}
	}

	return exitOK
}

func cmdRuns(_ []string) int {
	ctx := context.Background()
	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	runs, err := a.store.ListRuns(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return exitOK
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RunID, r.Workflow, r.Status, r.StartedAt.Format(time.RFC3339))
	}
	w.Flush()
	return exitOK
}

func cmdStages(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ralph stages <workflow.yaml|run-id>")
		return exitUsage
	}

	ctx := context.Background()
	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	// A YAML path lists the planned execution order; anything else is
	// treated as a run ID and lists the recorded attempts.
	if strings.HasSuffix(args[0], ".yaml") || strings.HasSuffix(args[0], ".yml") {
		return printExecutionOrder(a, args[0])
	}

	run, err := a.store.LoadRun(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tATTEMPT\tSTATUS\tREASON\tEXIT\tDURATION")
	for _, stage := range run.Definition.Stages {
		results := run.Results[stage.ID]
		if len(results) == 0 {
			fmt.Fprintf(w, "%s\t-\t%s\t\t\t\n", stage.ID, run.StageStatus(stage.ID))
			continue
		}
		for _, res := range results {
			dur := ""
			if res.FinishedAt != nil {
				dur = res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
				stage.ID, res.Attempt, res.Status, res.Reason, res.ExitCode, dur)
		}
	}
	w.Flush()
	return exitOK
}

func cmdGraph(args []string) int {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid, or png")
	outPath := fs.String("o", "", "write output to file instead of stdout (required for png)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ralph graph [-format ascii|mermaid|png] [-o file] <workflow.yaml|run-id>")
		return exitUsage
	}
	target := fs.Arg(0)

	ctx := context.Background()
	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	// A YAML path diagrams the definition; anything else is treated as a
	// run ID and gets a status overlay.
	var def *schema.WorkflowDefinition
	var run *store.RunState
	if strings.HasSuffix(target, ".yaml") || strings.HasSuffix(target, ".yml") {
		loaded, err := a.loader.Load(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
			return exitUsage
		}
		def = loaded
	} else {
		loaded, err := a.store.LoadRun(ctx, target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
			return exitUsage
		}
		run = loaded
		def = loaded.Definition
	}

	model, err := diagram.Build(def, run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	switch *format {
	case "ascii":
		return writeOutput(*outPath, []byte(diagram.RenderASCII(model)))
	case "mermaid":
		return writeOutput(*outPath, []byte(diagram.RenderMermaid(model)))
	case "png":
		if *outPath == "" {
			fmt.Fprintln(os.Stderr, "ralph: png output requires -o <file>")
			return exitUsage
		}
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			fmt.Fprintf(os.Stderr, "ralph: %v\n", imgErr)
			return exitUsage
		}
		return writeOutput(*outPath, png)
	default:
		fmt.Fprintf(os.Stderr, "ralph: unknown format %q\n", *format)
		return exitUsage
	}
}

func writeOutput(path string, data []byte) int {
	if path == "" {
		os.Stdout.Write(data)
		return exitOK
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}
	fmt.Printf("written: %s (%d bytes)\n", path, len(data))
	return exitOK
}

// printRunSummary prints the run header and one line per stage in
// definition order.
func printRunSummary(run *store.RunState) {
	writeRunSummary(os.Stdout, run)
}

func writeRunSummary(out io.Writer, run *store.RunState) {
	fmt.Fprintf(out, "run %s  workflow=%s  status=%s\n", run.RunID, run.Workflow, run.Status)
	if run.Error != "" {
		fmt.Fprintf(out, "error: %s\n", run.Error)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, stage := range run.Definition.Stages {
		status := run.StageStatus(stage.ID)
		detail := ""
		if last := run.LatestResult(stage.ID); last != nil {
			if last.Reason != "" {
				detail = last.Reason
			}
			if len(run.Results[stage.ID]) > 1 {
				detail = strings.TrimSpace(fmt.Sprintf("%s (attempt %d)", detail, last.Attempt))
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", stage.ID, status, detail)

		// Name the exact gate that rejected the stage, not just the reason
		// code.
		if last := run.LatestResult(stage.ID); last != nil {
			for _, v := range last.Verification {
				if v.Passed {
					continue
				}
				line := fmt.Sprintf("gate %s failed: %s", v.Gate, v.Detail)
				if v.Message != "" {
					line += " (" + v.Message + ")"
				}
				fmt.Fprintf(w, "  \t\t%s\n", line)
			}
		}
	}
	w.Flush()

	if len(run.Recursion) > 0 {
		keys := make([]string, 0, len(run.Recursion))
		for k := range run.Recursion {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "loop restarts:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %d\n", k, run.Recursion[k])
		}
	}
}

// printExecutionOrder validates a workflow file and lists its stages level
// by level, the order the orchestrator would run them in.
func printExecutionOrder(a *app, path string) int {
	def, err := a.loader.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}
	g, err := engine.BuildGraph(def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	fmt.Printf("%s: %d stages, %d levels\n", def.Name, len(g.Stages), len(g.Levels))
	for i, level := range g.Levels {
		fmt.Printf("  %d. %s\n", i+1, strings.Join(level, ", "))
	}
	return exitOK
}
