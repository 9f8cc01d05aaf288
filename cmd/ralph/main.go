// ralph is an autonomous build-pipeline orchestrator. It runs YAML-defined
// workflows of agent and shell stages through verification gates, with
// loop-based retry and resumable on-disk state.
package main

import (
	"fmt"
	"os"
)

const (
	exitOK        = 0
	exitRunFailed = 1
	exitUsage     = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		os.Exit(cmdRun(args))
	case "resume":
		os.Exit(cmdResume(args))
	case "status":
		os.Exit(cmdStatus(args))
	case "runs":
		os.Exit(cmdRuns(args))
	case "stages":
		os.Exit(cmdStages(args))
	case "graph":
		os.Exit(cmdGraph(args))
	case "validate":
		os.Exit(cmdValidate(args))
	case "schedule":
		os.Exit(cmdSchedule(args))
	case "mcp":
		os.Exit(cmdMCP(args))
	case "version", "-v", "--version":
		printVersion()
		os.Exit(exitOK)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `ralph - autonomous build-pipeline orchestrator

Usage:
  ralph run <workflow.yaml> [-var k=v ...] [-workdir dir]   execute a workflow
  ralph resume [-run-id ID] <workflow-name>                 resume an interrupted run
  ralph status [-run-id ID] [workflow-name]                 show run progress
  ralph runs                                                list known runs
  ralph stages <workflow.yaml|run-id>                       show execution order or attempt history
  ralph graph [-format ascii|mermaid|png] [-o file] <workflow.yaml|run-id>
  ralph validate <workflow.yaml>                            lint a workflow file
  ralph schedule <workflow.yaml> [...]                      run scheduled workflows until interrupted
  ralph mcp                                                 serve MCP tools over stdio
  ralph version                                             print version

Exit codes: 0 success, 1 run failed, 2 usage or validation error.
`)
}
