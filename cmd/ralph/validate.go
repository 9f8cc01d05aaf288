package main

import (
	"fmt"
	"os"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/config"
)

func cmdValidate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ralph validate <workflow.yaml>")
		return exitUsage
	}

	loader, err := config.NewLoader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	def, result, err := loader.Check(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitUsage
	}

	for _, issue := range result.Errors() {
		fmt.Fprintf(os.Stderr, "error: %s: %s [%s]\n", issue.Path, issue.Message, issue.Code)
	}
	for _, issue := range result.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s: %s [%s]\n", issue.Path, issue.Message, issue.Code)
	}

	if !result.Valid() {
		fmt.Fprintf(os.Stderr, "%s: invalid (%d errors, %d warnings)\n",
			args[0], len(result.Errors()), len(result.Warnings()))
		return exitUsage
	}

	fmt.Printf("%s: ok (%s, %d stages, %d warnings)\n", args[0], def.Name, len(def.Stages), len(result.Warnings()))
	return exitOK
}
