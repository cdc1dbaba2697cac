// Package main implements the task worker: it claims pending tasks
// from the shared database and executes them through the registered
// handlers. Any number of worker processes may run side by side.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/config"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/handlers"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/postgres"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/worker"
	"github.com/Amilcarpio/financial-advisor-ai-app/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("worker configuration loaded",
		"poll_interval", cfg.Worker.PollInterval,
		"max_concurrent", cfg.Worker.MaxConcurrent,
		"max_attempts", cfg.Worker.MaxAttempts)

	db, err := openDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Error("failed to close database", "error", cerr)
		}
	}()

	if err := migrations.Up(db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	registry, err := buildRegistry(log)
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(postgres.NewTaskStore(db), registry, cfg.Worker, log)
	log.Info("worker starting", "worker_id", w.ID(), "task_types", registry.Types())
	return w.Run(ctx)
}

// buildRegistry wires the built-in handlers. The provider clients here
// are logging placeholders: real Gmail/Calendar/SMTP integrations are
// injected by the host application at this seam.
func buildRegistry(log *slog.Logger) (*worker.Registry, error) {
	registry := worker.NewRegistry()

	providers := &logProviders{log: log.With("component", "providers")}

	for taskType, handler := range map[string]worker.Handler{
		handlers.TypeGmailSync:    handlers.NewGmailSync(providers, log),
		handlers.TypeCalendarSync: handlers.NewCalendarSync(providers, log),
		handlers.TypeWelcomeEmail: handlers.NewWelcomeEmail(providers, log),
		handlers.TypeGeneric:      handlers.NewGeneric(log),
	} {
		if err := registry.Register(taskType, handler); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func openDatabase(cfg *config.Config, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// The pool needs headroom for every concurrent handler plus the
	// claim and sweep queries.
	db.SetMaxOpenConns(cfg.Worker.MaxConcurrent + 2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connection established")
	return db, nil
}
