// Package api wires the HTTP surface of the Brigade execution core.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/brigade-ai/brigade/internal/api/handlers"
	"github.com/brigade-ai/brigade/internal/api/middleware"
	"github.com/brigade-ai/brigade/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/invoke", h.Invoke)

		r.Route("/skills", func(r chi.Router) {
			r.Get("/", h.ListSkills)
			r.Get("/{skillName}", h.GetSkill)
		})

		r.Route("/traces", func(r chi.Router) {
			r.Get("/", h.ListTraces)
			r.Get("/{traceId}", h.GetTrace)
		})

		r.Route("/circuits", func(r chi.Router) {
			r.Get("/", h.ListCircuits)
			r.Post("/reset", h.ResetCircuits)
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", h.ListProposals)
			r.Post("/", h.CreateProposal)
			r.Post("/{proposalId}/resolve", h.ResolveProposal)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "brigade-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "brigade-core",
		})
	}
}
