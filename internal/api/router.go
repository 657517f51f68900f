package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/api/middleware"
	"github.com/ghostspeak/relay/internal/handlers"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	// Connection lifecycle
	r.Get("/ws/{agent}", h.Connect) // websocket upgrade
	r.Get("/connections/{agent}", h.ConnectionInfo)
	r.Delete("/connections/{agent}", h.Disconnect)

	// Presence
	r.Get("/presence/{agent}", h.GetPresence)
	r.Put("/presence/{agent}", h.SetPresence)

	// Messaging
	r.Post("/messages", h.Send)

	// Offline sync
	r.Post("/agents/{agent}/storage", h.ConfigureStorage)
	r.Post("/agents/{agent}/sync", h.StartSync)
	r.Get("/agents/{agent}/sync", h.SyncStatus)
	r.Post("/agents/{agent}/conflicts", h.RecordConflict)
	r.Post("/agents/{agent}/conflicts/resolve", h.ResolveConflicts)

	// Analytics
	r.Get("/analytics", h.Analytics)

	return r
}
