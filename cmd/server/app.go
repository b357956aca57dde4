package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/forge-api/internal/config"
	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/events"
	"github.com/phrazzld/forge-api/internal/platform/memory"
	"github.com/phrazzld/forge-api/internal/platform/postgres"
	"github.com/phrazzld/forge-api/internal/platform/toolchain"
	"github.com/phrazzld/forge-api/internal/retention"
	"github.com/phrazzld/forge-api/internal/service"
	"github.com/phrazzld/forge-api/internal/store"
	"github.com/phrazzld/forge-api/internal/task"
)

// application holds all shared dependencies and services.
// It acts as the composition root for dependency injection.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger *slog.Logger
	db     *sql.DB

	// Stores (using interfaces for proper abstraction)
	taskStore store.TaskStore

	// Build execution
	builder   task.Builder
	buildPool *task.BuildPool
	sweeper   *retention.Sweeper

	// Event system
	eventEmitter events.EventEmitter

	// Service interfaces
	taskService service.TaskService
}

// newApplication creates and wires together all application components.
// The database is optional: without a configured URL the server runs on the
// in-memory store, which is sufficient for single-node deployments where
// queue durability across restarts is not required.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if cfg.Database.URL != "" {
		db, err := setupAppDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up database: %w", err)
		}
		app.db = db
		app.taskStore = postgres.NewPostgresTaskStore(db)
	} else {
		logger.Info("No database configured, using in-memory task store")
		app.taskStore = memory.NewTaskStore()
	}

	builderCfg := toolchain.DefaultConfig()
	if len(cfg.Builder.Commands) > 0 {
		builderCfg.Commands = make(map[domain.BuildKind][]string, len(cfg.Builder.Commands))
		for kind, argv := range cfg.Builder.Commands {
			builderCfg.Commands[domain.BuildKind(kind)] = argv
		}
	}
	builder, err := toolchain.NewBuilder(builderCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create toolchain builder: %w", err)
	}
	app.builder = builder

	app.eventEmitter = events.NewInMemoryEventEmitter(logger)

	app.buildPool = task.NewBuildPool(app.taskStore, app.builder, app.eventEmitter, task.BuildPoolConfig{
		Concurrency:       cfg.Worker.Concurrency,
		RetentionWindow:   cfg.Retention.Window,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
	}, logger)

	app.sweeper = retention.NewSweeper(app.taskStore, retention.SweeperConfig{
		RetentionWindow: cfg.Retention.Window,
		SweepInterval:   cfg.Retention.SweepInterval,
		ArtifactDirs:    []string{cfg.Storage.ArtifactDir, cfg.Storage.StagingDir},
	}, logger)

	// Terminal lifecycle events trigger a reactive sweep so expired
	// artifacts do not have to wait for the next wall-clock pass.
	if emitter, ok := app.eventEmitter.(*events.InMemoryEventEmitter); ok {
		emitter.RegisterHandler(app.sweeper)
	}

	taskService, err := service.NewTaskService(app.taskStore, app.buildPool, cfg.Storage.ArtifactDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}
	app.taskService = taskService

	if err := app.buildPool.Start(); err != nil {
		return nil, fmt.Errorf("failed to start build pool: %w", err)
	}
	app.sweeper.Start()

	return app, nil
}

// cleanup stops background components and releases resources.
// Called during graceful shutdown after the HTTP server has drained.
func (app *application) cleanup() {
	if app.buildPool != nil {
		app.buildPool.Stop()
	}

	if app.sweeper != nil {
		app.sweeper.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
