// Package main implements the ingress server: webhook endpoints for
// HubSpot, Gmail, and Calendar, the read-only task API, and the
// health and metrics endpoints.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/config"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/dispatch"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/handlers"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/metrics"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/postgres"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/rules"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/webhook"
	"github.com/Amilcarpio/financial-advisor-ai-app/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
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

	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel)

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

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	taskStore := postgres.NewTaskStore(db)
	ruleStore := postgres.NewRuleStore(db)
	userStore := postgres.NewUserStore(db)
	dedupStore := postgres.NewDedupStore(db, cfg.Webhook.DedupTTL)

	matcher := rules.NewMatcher(ruleStore, log)
	dispatcher := dispatch.NewDispatcher(taskStore, []string{
		handlers.TypeGmailSync,
		handlers.TypeCalendarSync,
		handlers.TypeWelcomeEmail,
		handlers.TypeGeneric,
	}, cfg.Worker.MaxAttempts, log)

	ingress := webhook.NewIngress(userStore, dedupStore, matcher, dispatcher, cfg.Webhook, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dedup records are only useful within the TTL; purge on a timer so
	// the table stays proportional to recent traffic.
	go runDedupJanitor(ctx, dedupStore, cfg.Webhook.DedupTTL, log)

	router := newRouter(ingress, taskStore, registry, db, log)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("server shutdown completed")
	return nil
}

// openDatabase connects to Postgres with pooling defaults sized for the
// ingress path and verifies the connection.
func openDatabase(cfg *config.Config, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connection established")
	return db, nil
}

// runDedupJanitor purges expired dedup records until ctx is cancelled.
// The purge interval tracks the TTL but stays within sane bounds.
func runDedupJanitor(ctx context.Context, dedup *postgres.DedupStore, ttl time.Duration, log *slog.Logger) {
	interval := ttl / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := dedup.PurgeExpired(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Error("dedup purge failed", "error", err)
				}
				continue
			}
			if purged > 0 {
				log.Info("purged expired dedup records", "count", purged)
			}
		}
	}
}
