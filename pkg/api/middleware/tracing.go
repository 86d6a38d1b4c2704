package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "sagaflow.http"

type tracingSettings struct {
	provider trace.TracerProvider
	skip     map[string]struct{}
}

// TracingOption customizes Tracing.
type TracingOption func(s *tracingSettings)

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(s *tracingSettings) {
		if tp != nil {
			s.provider = tp
		}
	}
}

// WithSkipPaths replaces the paths that get no span. The default skips the
// health probes.
func WithSkipPaths(paths ...string) TracingOption {
	return func(s *tracingSettings) {
		s.skip = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			s.skip[p] = struct{}{}
		}
	}
}

// Tracing starts a server span per request, continuing any W3C trace context
// the caller sent. The span is renamed after routing so it carries the chi
// route pattern instead of the raw path.
func Tracing(opts ...TracingOption) func(http.Handler) http.Handler {
	s := tracingSettings{
		skip: map[string]struct{}{"/health": {}, "/ready": {}},
	}
	for _, opt := range opts {
		opt(&s)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := s.skip[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			provider := s.provider
			if provider == nil {
				provider = otel.GetTracerProvider()
			}
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := provider.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("user_agent.original", r.UserAgent()),
				),
			)
			defer span.End()

			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request.id", id))
			}

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			route := chiPattern(r)
			if route == "" {
				route = r.URL.Path
			}
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.status),
			)
			// Client errors leave a server span unset.
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// chiPattern returns the matched chi route, or "" when the request was not routed by chi.
func chiPattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return strings.TrimSpace(rc.RoutePattern())
	}
	return ""
}
