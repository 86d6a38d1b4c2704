// Package api provides the HTTP audit API server.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
)

const defaultRequestTimeout = 30 * time.Second

// Handlers groups what the router mounts. Nil members are not routed.
type Handlers struct {
	Saga   *handlers.SagaHandler
	Health *handlers.HealthHandler

	// Metrics records per-request metrics.
	Metrics middleware.MetricsRecorder
	// MetricsHandler exposes /metrics on the API port.
	MetricsHandler http.Handler
}

// NewRouter builds the middleware chain and mounts the routes.
// Order: request id, tracing, access log, panic recovery, metrics, CORS, timeout.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	chain := []func(http.Handler) http.Handler{middleware.RequestID()}
	if cfg.Tracing.Enabled {
		chain = append(chain, middleware.Tracing())
	}
	chain = append(chain, middleware.Logger(log), middleware.Recovery(log))
	if h.Metrics != nil {
		chain = append(chain, middleware.Metrics(h.Metrics))
	}
	chain = append(chain,
		middleware.CORS(&cfg.Server.CORS),
		middleware.Timeout(requestTimeout(cfg)),
	)
	r.Use(chain...)

	r.NotFound(errorRoute(http.StatusNotFound, "no such route"))
	r.MethodNotAllowed(errorRoute(http.StatusMethodNotAllowed, "method not allowed"))

	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes mounts the audit API under /api/v1 and the unversioned probes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	if h.Saga != nil {
		r.Route("/api/v1/sagas", func(r chi.Router) {
			r.Get("/", h.Saga.ListSagas)
			r.Get("/stuck", h.Saga.ListStuck)
			r.Get("/retryable", h.Saga.ListRetryable)
			r.Get("/stats", h.Saga.GetStats)
			r.Get("/{id}", h.Saga.GetSaga)
			r.Get("/{id}/steps", h.Saga.ListStepLogs)
		})
	}

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}

	if h.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.MetricsHandler)
	}
}

func errorRoute(status int, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, status, response.ErrorCodeFromStatus(status), message,
			middleware.GetRequestID(r.Context()))
	}
}

// requestTimeout prefers the request timeout, then the read timeout.
func requestTimeout(cfg *config.Config) time.Duration {
	for _, d := range []time.Duration{cfg.Server.HTTP.RequestTimeout, cfg.Server.HTTP.ReadTimeout} {
		if d > 0 {
			return d
		}
	}
	return defaultRequestTimeout
}
