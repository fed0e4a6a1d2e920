// Package app assembles the HTTP surface from config and handlers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
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

	// Mutating endpoints are rate limited and bounded by a request timeout.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Post("/v1/jobs", srv.SubmitJobHandler())
		wr.Post("/v1/jobs/batch", srv.SubmitBatchHandler())
		wr.Post("/v1/workflows", srv.SubmitWorkflowHandler())
		wr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		wr.Post("/v1/jobs/{id}/resume", srv.ResumeJobHandler())
		wr.Delete("/v1/jobs/{id}", srv.DeleteJobHandler())
	})

	// Read-only endpoints.
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Get("/v1/workers", srv.ListWorkersHandler())
	r.Get("/v1/health", srv.HealthHandler())

	// Desktop agents connect over a long-lived websocket; no timeout
	// middleware on this route.
	if srv.AgentWS != nil {
		r.Get("/v1/agent/ws", srv.AgentWS)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
