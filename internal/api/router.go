package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prompted/csvrelay/internal/metrics"
	"github.com/prompted/csvrelay/internal/models"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Service        string
	OwnerHeader    string
	RequestTimeout time.Duration
	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready func(context.Context) error
}

// NewRouter mounts the CSV endpoints under /api/v1/csv next to the health
// probes and /metrics.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Health probes.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok", Service: opts.Service})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable,
					models.HealthResponse{Status: "unavailable", Service: opts.Service, Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ready", Service: opts.Service})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1/csv", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Use(Owner(opts.OwnerHeader))

		r.Post("/upload", h.Upload)
		r.Post("/queue1", h.Queue1)
		r.Post("/queue2", h.Queue2)
		r.Get("/", h.List)
		r.Get("/{code}", h.Get)
		r.Delete("/", h.DeleteAll)
	})

	return r
}
