package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sparky9/csuite-engine/internal/api/handlers"
	"github.com/sparky9/csuite-engine/internal/api/middleware"
	"github.com/sparky9/csuite-engine/internal/config"
	"github.com/sparky9/csuite-engine/internal/store"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, st store.Store, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(st))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Trigger rules
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{ruleId}", h.GetRule)
		})
		r.Post("/triggers/sweep", h.TriggerSweep)

		// Alerts
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Route("/{alertId}", func(r chi.Router) {
				r.Post("/ack", h.AcknowledgeAlert)
				r.Post("/snooze", h.SnoozeAlert)
				r.Post("/resolve", h.ResolveAlert)
			})
		})

		// Action approvals
		r.Route("/approvals/{approvalId}", func(r chi.Router) {
			r.Get("/", h.GetApproval)
			r.Get("/audit", h.GetApprovalAudit)
			r.Post("/execute", h.ExecuteApproval)
		})

		// Operations
		r.Get("/queues/health", h.QueueHealth)
		r.Get("/dead-letters", h.ListDeadLetters)
		r.Get("/usage/{day}", h.GetUsage)
		r.Post("/metrics", h.RecordMetric)

		// Notification channels
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.CreateChannel)
			r.Delete("/{channelId}", h.DeleteChannel)
		})
	})

	return r
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := st.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "csuite-automation-engine",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "csuite-automation-engine",
		})
	}
}
