package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	limit := func(next http.Handler) http.Handler { return next }
	if h.limiter != nil {
		limit = h.limiter.Middleware
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.opts.APIKey))

			r.With(limit).Post("/sync", h.Sync)

			r.Route("/queue", func(r chi.Router) {
				r.Use(limit)
				r.Post("/", h.Enqueue)
				r.Get("/stats", h.QueueStats)
				r.Post("/{id}/complete", h.CompleteOperation)
				r.Post("/{id}/fail", h.FailOperation)
				r.Delete("/{id}", h.DeleteOperation)
			})

			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
			r.Get("/snapshot", h.SnapshotURL)
		})
	})

	return r
}
