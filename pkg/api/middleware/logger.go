// Package middleware provides the HTTP middleware chain of the saga audit API.
package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/sagaflow/pkg/logger"
)

// quietPaths are probe endpoints logged at debug level only.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// Logger logs one line per request. Server errors log at error level, client
// errors at warn, probes at debug and everything else at info.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusWriter(w)

			next.ServeHTTP(wrapped, r)

			route := chiPattern(r)
			if route == "" {
				route = r.URL.Path
			}
			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", wrapped.size,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			ctx := r.Context()
			switch {
			case wrapped.status >= http.StatusInternalServerError:
				log.ErrorContext(ctx, "HTTP request", args...)
			case wrapped.status >= http.StatusBadRequest:
				log.WarnContext(ctx, "HTTP request", args...)
			default:
				if _, quiet := quietPaths[r.URL.Path]; quiet {
					log.DebugContext(ctx, "HTTP request", args...)
					return
				}
				log.InfoContext(ctx, "HTTP request", args...)
			}
		})
	}
}
