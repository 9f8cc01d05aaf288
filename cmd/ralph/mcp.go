package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/mcp"
)

func cmdMCP(_ []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, code := mustApp(ctx)
	if code != exitOK {
		return code
	}
	defer a.close()

	srv := mcp.NewRalphServer(mcp.RalphServerDeps{
		Runner: a.engine,
		Store:  a.store,
		Loader: a.loader,
		Logger: a.logger,
	})

	a.logger.Info("serving MCP tools on stdio")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return exitRunFailed
	}
	return exitOK
}
