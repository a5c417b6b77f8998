// Package app wires the HTTP router and the background maintenance loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/dragonflyic/workbench/internal/adapter/httpserver"
	"github.com/dragonflyic/workbench/internal/adapter/observability"
	"github.com/dragonflyic/workbench/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/signals", srv.CreateSignalHandler())
		wr.Delete("/v1/signals/{id}", srv.DeleteSignalHandler())
		wr.Post("/v1/signals/{id}/attempts", srv.CreateAttemptHandler())
		wr.Post("/v1/attempts/{id}/cancel", srv.CancelAttemptHandler())
		wr.Post("/v1/attempts/{id}/retry", srv.RetryAttemptHandler())
		wr.Post("/v1/clarifications/{id}/answer", srv.AnswerClarificationHandler())
		wr.Post("/v1/sync", srv.EnqueueSyncHandler())
	})

	// Read-only endpoints
	r.Group(func(ro chi.Router) {
		ro.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ro.Get("/v1/signals", srv.ListSignalsHandler())
		ro.Get("/v1/signals/{id}", srv.GetSignalHandler())
		ro.Get("/v1/signals/{id}/attempts", srv.ListAttemptsHandler())
		ro.Get("/v1/attempts/{id}", srv.GetAttemptHandler())
		ro.Get("/v1/attempts/{id}/clarifications", srv.ListClarificationsHandler())
		ro.Get("/v1/attempts/{id}/artifacts", srv.ListArtifactsHandler())
		ro.Get("/v1/jobs/{id}", srv.GetJobHandler())
	})

	// The log stream is long-lived and needs a flushable writer, so it stays
	// outside the timeout wrapper.
	r.Get("/v1/attempts/{id}/logs", srv.LogStreamHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
