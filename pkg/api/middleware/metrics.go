package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder receives one observation per request. ctx is the request
// context, so a recorder can attach the active trace as an exemplar.
type MetricsRecorder interface {
	RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records request count, latency and in-flight requests. Requests for
// the metrics endpoint itself are not recorded.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			sw := newStatusWriter(w)
			status := http.StatusInternalServerError
			// A panic is counted as a 500 before Recovery sees it.
			defer func() {
				recorder.RecordHTTPRequestWithContext(r.Context(), r.Method, metricsPath(r),
					strconv.Itoa(status), time.Since(start))
			}()

			next.ServeHTTP(sw, r)
			status = sw.status
		})
	}
}

// metricsPath prefers the matched chi route so label cardinality stays bounded.
// Unrouted paths fall back to normalizePath.
func metricsPath(r *http.Request) string {
	pattern := chiPattern(r)
	if pattern == "" {
		return normalizePath(r.URL.Path)
	}
	parts := strings.Split(pattern, "/")
	for i, part := range parts {
		if name, ok := strings.CutPrefix(part, "{"); ok {
			parts[i] = ":" + strings.TrimSuffix(name, "}")
		}
	}
	return strings.Join(parts, "/")
}

// normalizePath replaces UUID and numeric segments with ":id".
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isUUID(part) {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.ParseUint(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
				return false
			}
		}
	}
	return true
}
