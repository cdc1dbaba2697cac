package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/api"
	apimiddleware "github.com/Amilcarpio/financial-advisor-ai-app/internal/api/middleware"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/webhook"
)

// newRouter assembles the server's routes and middleware chain.
func newRouter(
	ingress *webhook.Ingress,
	taskReader api.TaskReader,
	registry *prometheus.Registry,
	db *sql.DB,
	log *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceMiddleware)
	r.Use(apimiddleware.RequestLogger)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/hubspot", ingress.HandleHubSpot)
		r.Post("/gmail", ingress.HandleGmail)
		r.Post("/calendar", ingress.HandleCalendar)
	})

	taskHandler := api.NewTaskHandler(taskReader, log)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", taskHandler.ListTasks)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, werr := w.Write([]byte("database unavailable")); werr != nil {
				log.Error("failed to write health response", "error", werr)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, werr := w.Write([]byte("OK")); werr != nil {
			log.Error("failed to write health response", "error", werr)
		}
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}
