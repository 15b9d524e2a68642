// Package app provides the application initialization and lifecycle management
package app

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/opsync/internal/client"
	"github.com/tildaslashalef/opsync/internal/config"
	"github.com/tildaslashalef/opsync/internal/database"
	"github.com/tildaslashalef/opsync/internal/engine"
	"github.com/tildaslashalef/opsync/internal/loggy"
	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/remote"
	"github.com/tildaslashalef/opsync/internal/snapshot"
)

// App represents the application instance with its dependencies
type App struct {
	Config    *config.Config
	Queue     queue.Repository
	Snapshots snapshot.Repository
	Adapter   remote.Adapter
	Engine    *engine.Service
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	app := initServices(cfg, db)

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires the repositories, remote adapter and sync engine
func initServices(cfg *config.Config, db *sql.DB) *App {
	logger := loggy.GetGlobalLogger()

	queueRepo := queue.NewSQLRepository(db, logger)
	snapshotRepo := snapshot.NewSQLRepository(db, logger)

	var adapter remote.Adapter
	if cfg.Server.URL != "" {
		adapter = remote.NewClient(cfg.Server, cfg.ClientName, logger)
	} else {
		// No server configured; exercise the queue locally
		loggy.Warn("Sync server URL not configured, using simulated adapter")
		adapter = remote.NewSimulatedAdapter(0, 1.0, 0)
	}

	eng := engine.NewService(queueRepo, snapshotRepo, adapter, cfg, logger)

	return &App{
		Config:    cfg,
		Queue:     queueRepo,
		Snapshots: snapshotRepo,
		Adapter:   adapter,
		Engine:    eng,
	}
}

// Client returns a facade bound to the given tenant
func (app *App) Client(tenantID string) *client.Client {
	return client.New(tenantID, app.Queue, app.Snapshots, app.Engine, loggy.GetGlobalLogger())
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
