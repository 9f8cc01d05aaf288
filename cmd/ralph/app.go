package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/config"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/dispatch"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/expressions"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/logging"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/verify"
)

// app bundles the wired toplevel components every subcommand needs.
type app struct {
	settings config.Settings
	logger   *slog.Logger
	store    *store.FileStore
	events   *store.EventLog // nil when the audit database cannot be opened
	loader   *config.Loader
	engine   *engine.Orchestrator
}

// newApp builds the full dependency graph from settings. The audit event
// log is best-effort: a failure to open it degrades to file-only state.
func newApp(ctx context.Context) (*app, error) {
	settings := config.Load()
	logger := logging.New(settings.LogLevel, settings.LogFormat)

	fileStore, err := store.NewFileStore(settings.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}

	var events *store.EventLog
	if db, dbErr := store.OpenAuditDB(ctx, settings.DBPath); dbErr != nil {
		logger.Warn("audit log unavailable, continuing without it", "path", settings.DBPath, "error", dbErr)
	} else {
		events = store.NewEventLog(db)
	}

	loader, err := config.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("init workflow validator: %w", err)
	}

	factory := dispatch.NewFactoryHandler(logger)
	dispatcher := dispatch.NewDispatcher(logger)
	dispatcher.Register(dispatch.NewShellHandler(expressions.NewGoJQEngine(), logger))
	for _, h := range dispatch.NewAgentHandlers(settings.AgentCommand, nil, logger) {
		dispatcher.Register(h)
	}
	dispatcher.Register(factory)

	orch, err := engine.New(engine.Deps{
		Store:          fileStore,
		Events:         events,
		Dispatcher:     dispatcher,
		Gates:          verify.NewRunner(logger),
		Logger:         logger,
		LoadDefinition: loader.Load,
	}, engine.Config{
		PoolSize:     settings.PoolSize,
		StageTimeout: settings.StageTimeoutDuration(),
	})
	if err != nil {
		return nil, err
	}
	factory.Bind(orch)

	return &app{
		settings: settings,
		logger:   logger,
		store:    fileStore,
		events:   events,
		loader:   loader,
		engine:   orch,
	}, nil
}

func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("closing audit log", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// mustApp wires the app or prints the error and returns a usage exit code.
func mustApp(ctx context.Context) (*app, int) {
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return nil, exitUsage
	}
	return a, exitOK
}
