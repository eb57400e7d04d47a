package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/govplane/govplane/app"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Id", "X-Team-Id", "X-Org-Id", "X-Roles"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/health/ready", deps.HealthHandler.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry,
			promhttp.HandlerOpts{}))
	}

	// Governed API
	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.IdentityMiddleware.RequireIdentity)

		r.Post("/chat/completions", deps.ChatHandler.HandleChatCompletion)

		r.Get("/breakers", deps.HealthHandler.HandleBreakers)

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/{scope}/{scopeID}", deps.BudgetHandler.HandleSummary)
			r.Get("/{scope}/{scopeID}/forecast", deps.BudgetHandler.HandleForecast)
		})

		// Audit trail access is admin-only
		r.Route("/audit", func(r chi.Router) {
			r.Use(deps.IdentityMiddleware.RequireRole("admin"))
			r.Get("/records", deps.AuditHandler.HandleQuery)
			r.Get("/verify", deps.AuditHandler.HandleVerify)
			r.Get("/export", deps.AuditHandler.HandleExport)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Route not found"}`))
	})

	return r
}
