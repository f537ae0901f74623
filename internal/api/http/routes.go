package http

import (
	"net/http"

	"referralfees/internal/api/http/handlers"
	"referralfees/internal/api/http/mw"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BuildRouter nil middlewares are skipped
func BuildRouter(
	h *handlers.Handler,
	metricsHandler http.Handler,
	logMW *mw.LoggingMiddleware,
	gzipMW *mw.GzipMiddleware,
	rateLimitMW *mw.RateLimitMiddleware,
	corsMW *mw.CORSMiddleware,
) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if logMW != nil {
		r.Use(logMW.Handler)
	}
	if gzipMW != nil {
		r.Use(gzipMW.Handler)
	}
	if corsMW != nil {
		r.Use(corsMW.Handler())
	}

	// tech endpoints, never rate limited
	r.Get("/healthz", h.Healthz)
	r.Get("/readiness", h.Readiness)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api", func(apiR chi.Router) {
		if rateLimitMW != nil {
			apiR.Use(rateLimitMW.Handler)
		}
		apiR.Get("/snapshot", h.Snapshot)
		apiR.Get("/leaderboard", h.Leaderboard)
		apiR.Get("/routes", h.Routes)
		apiR.Get("/providers/{id}", h.Provider)
	})

	return r
}
