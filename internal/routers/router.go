package routers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"codehive/collab/internal/api"
)

// New builds the route table: the public health probe and metrics, the
// auth-gated project endpoints, and the websocket endpoint at the root.
func New(h *api.Handlers, origins []string, metricsHandler http.Handler) http.Handler {
	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/api/health", h.Health)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.RejectDuringShutdown)
		r.Post("/api/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/api/projects/{id}/permissions", h.SetPermission)
			r.Post("/api/projects/{id}/suggestions/{sid}/approve", h.ApproveSuggestion)
			r.Get("/api/projects/{id}/contributors", h.Contributors)
		})
	})

	r.Get("/", h.CollabWS)

	return r
}
