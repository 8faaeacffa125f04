package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.sqsresolver.dev/internal/common/health"
	"go.sqsresolver.dev/internal/dispatch"
	"go.sqsresolver.dev/internal/warning"
)

// newOpsRouter serves health, metrics, consumer status and warnings
func newOpsRouter(checker *health.Checker, dispatcher *dispatch.Dispatcher, warnings warning.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/consumer/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dispatcher.Status())
	})

	r.Route("/api/warnings", warning.NewHandler(warnings).Routes)
	return r
}
