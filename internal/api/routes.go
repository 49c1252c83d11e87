package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/raybit/mailmate/internal/auth"
	"github.com/raybit/mailmate/internal/tracking"
)

// SetupRoutes configures the full HTTP surface. The tracking routes are
// mounted from their own package so pixel serving stays beside the open
// transition logic.
func SetupRoutes(h *Handlers, authManager *auth.Manager, trackingHandler *tracking.Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// OAuth account linking
	if authManager != nil {
		r.Get("/auth/google", authManager.HandleLogin)
		r.Get("/auth/google/callback", authManager.HandleCallback)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/emails/{userEmail}", func(r chi.Router) {
			r.Get("/", h.ListEmails)
			r.Post("/send", h.SendEmail)
			r.Get("/sent", h.ListSent)
			r.Get("/replies", h.CheckReplies)
		})

		r.Mount("/track", trackingHandler.Routes())

		r.Route("/newsletters", func(r chi.Router) {
			r.Post("/subscribe", h.Subscribe)
			r.Post("/unsubscribe", h.Unsubscribe)
		})

		r.Get("/debug/config", h.DebugConfig)
	})

	return r
}
