package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/m00npl/filedb/pkg/metrics"
)

// NewRouter configures the chi router with the full middleware stack
// and every route.
//
// Middleware order matters: request IDs first so every later log line
// carries one, recovery after logging so panics still produce a
// completion line, timeout last so handlers observe the deadline.
//
// Routes:
//   - POST /files                         - multipart upload
//   - GET  /files/{id}                    - reassembled bytes
//   - GET  /files/{id}/info               - descriptor + entity keys
//   - GET  /files/{id}/entities           - entity keys only
//   - GET  /files/{id}/status             - upload progress by file id
//   - GET  /status/{idempotency_key}      - upload progress by key
//   - GET  /files/by-owner/{owner}        - listing
//   - GET  /files/by-extension/{ext}      - listing
//   - GET  /files/by-type/*               - listing (content types span segments)
//   - GET  /quota                         - caller's quota usage
//   - GET  /health                        - component health, always 200
//   - GET  /metrics                       - Prometheus exposition
func NewRouter(h *Handlers, m *metrics.Metrics, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(identity)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/files", func(r chi.Router) {
		r.Post("/", h.Upload)

		r.Get("/by-owner/{owner}", h.ByOwner)
		r.Get("/by-extension/{ext}", h.ByExtension)
		// Content types carry a slash, so the route is a catch-all.
		r.Get("/by-type/*", h.ByContentType)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Download)
			r.Get("/info", h.Info)
			r.Get("/entities", h.Entities)
			r.Get("/status", h.StatusByFileID)
		})
	})

	r.Get("/status/{idempotency_key}", h.StatusByIdempotencyKey)
	r.Get("/quota", h.Quota)

	return r
}
