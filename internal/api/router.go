package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/engramdev/engram/internal/service"
)

// NewRouter builds the HTTP surface. It exposes the same operations as the
// stdio RPC server, REST-shaped for local tooling and debugging.
func NewRouter(svc *service.Service, logger *slog.Logger) http.Handler {
	h := &handlers{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)

	r.Route("/memories", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Post("/search", h.search)
		r.Post("/match-triggers", h.matchTriggers)
		r.Delete("/folders/{folder}", h.deleteFolder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/validate", h.validate)
			r.Get("/why", h.why)
		})
	})

	r.Route("/index", func(r chi.Router) {
		r.Post("/scan", h.scan)
		r.Post("/file", h.indexFile)
	})

	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", h.checkpointList)
		r.Post("/", h.checkpointCreate)
		r.Post("/{name}/restore", h.checkpointRestore)
		r.Delete("/{name}", h.checkpointDelete)
	})

	r.Route("/causal", func(r chi.Router) {
		r.Post("/links", h.link)
		r.Delete("/links", h.unlink)
		r.Get("/stats", h.causalStats)
	})

	return r
}

// requestLogger is structured request logging in place of chi's default
// text logger.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
