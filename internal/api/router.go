package api

import (
	"net/http"

	"github.com/ashureev/realitycheck-coach/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterOptions carries optional handlers mounted next to the session API.
type RouterOptions struct {
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// Frontend is served under /app when set.
	Frontend http.Handler
}

// NewRouter builds the HTTP router with global middleware.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(h.origins))

	h.RegisterRoutes(r)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Frontend != nil {
		r.Get("/app", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/app/", http.StatusMovedPermanently)
		})
		r.Handle("/app/*", http.StripPrefix("/app", opts.Frontend))
	}
	return r
}
