// Package tracing installs the process-wide OpenTelemetry tracer provider for
// sagad. Orchestrators and the HTTP middleware pick it up through otel.Tracer.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Provider owns the installed tracer provider. The zero value and the
// provider returned for disabled tracing shut down as no-ops.
type Provider struct {
	tp       *sdktrace.TracerProvider
	shutdown sync.Once
	err      error
}

type settings struct {
	attrs    []attribute.KeyValue
	exporter sdktrace.SpanExporter
	report   func(err error, endpoint string, spans int)
}

// Option customizes Init.
type Option func(s *settings)

// WithService names the service and version on the trace resource.
func WithService(name, version string) Option {
	return func(s *settings) {
		if name != "" {
			s.attrs = append(s.attrs, semconv.ServiceName(name))
		}
		if version != "" {
			s.attrs = append(s.attrs, semconv.ServiceVersion(version))
		}
	}
}

// WithInstanceID tags spans with the executor id that produced them.
func WithInstanceID(id string) Option {
	return func(s *settings) {
		if id != "" {
			s.attrs = append(s.attrs, semconv.ServiceInstanceID(id))
		}
	}
}

// WithAttributes adds resource attributes.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(s *settings) {
		s.attrs = append(s.attrs, attrs...)
	}
}

// WithExporter replaces the OTLP gRPC exporter Init would dial.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(s *settings) {
		s.exporter = exp
	}
}

// WithFailureReporter replaces the warning logged when an export batch fails.
func WithFailureReporter(report func(err error, endpoint string, spans int)) Option {
	return func(s *settings) {
		if report != nil {
			s.report = report
		}
	}
}

func logExportFailure(err error, endpoint string, spans int) {
	logger.Global().Warn("Trace export failed", "error", err, "endpoint", endpoint, "span_count", spans)
}

// propagator is installed whether or not tracing is enabled so incoming
// trace headers still flow to logs and exemplars.
var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Init installs the global tracer provider and propagator described by cfg.
func Init(ctx context.Context, cfg config.TracingConfig, opts ...Option) (*Provider, error) {
	otel.SetTextMapPropagator(propagator)
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	s := settings{report: logExportFailure}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	endpoint := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("tracing timeout must be > 0")
	}

	exp := s.exporter
	if exp == nil {
		var err error
		exp, err = dialOTLP(ctx, endpoint, cfg)
		if err != nil {
			return nil, fmt.Errorf("create tracing exporter: %w", err)
		}
	}

	res, err := resource.New(ctx, resource.WithAttributes(s.attrs...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&quietExporter{SpanExporter: exp, endpoint: endpoint, report: s.report}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans and stops the exporter. Calls after the
// first return the first result.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	p.shutdown.Do(func() {
		flushErr := p.tp.ForceFlush(ctx)
		if err := p.tp.Shutdown(ctx); err != nil {
			p.err = fmt.Errorf("shutdown tracing provider: %w", err)
			return
		}
		if flushErr != nil {
			p.err = fmt.Errorf("flush tracing provider: %w", flushErr)
		}
	})
	return p.err
}

// Enabled reports whether spans are recorded and exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

func dialOTLP(ctx context.Context, endpoint string, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// quietExporter reports export failures instead of returning them, so a down
// collector never surfaces as an error on the saga path.
type quietExporter struct {
	sdktrace.SpanExporter
	endpoint string
	report   func(err error, endpoint string, spans int)
}

func (e *quietExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.SpanExporter.ExportSpans(ctx, spans); err != nil {
		e.report(err, e.endpoint, len(spans))
	}
	return nil
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint reduces a collector URL to the host:port the gRPC
// exporter expects.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return raw
}
