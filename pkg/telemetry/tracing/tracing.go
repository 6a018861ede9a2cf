// Package tracing installs the process-wide OpenTelemetry tracer provider
// that the HTTP middleware, pipeline and embedding stage record into.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/goclaw/mnemo/config"
	"github.com/goclaw/mnemo/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// ShutdownFunc flushes pending spans and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// Service identifies the process in exported spans.
type Service struct {
	Name        string
	Version     string
	Environment string
}

// collector is where spans are shipped.
type collector struct {
	addr string
	tls  bool
}

// parseCollector accepts host:port or a URL. Only https URLs use TLS.
func parseCollector(endpoint string) (collector, error) {
	raw := strings.TrimSpace(endpoint)
	if raw == "" {
		return collector{}, errors.New("tracing endpoint is empty")
	}
	if !strings.Contains(raw, "://") {
		return collector{addr: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return collector{}, fmt.Errorf("tracing endpoint %q is not a valid URL", raw)
	}
	return collector{addr: u.Host, tls: u.Scheme == "https"}, nil
}

// dialExporter is swapped out in tests.
var dialExporter = func(ctx context.Context, c collector, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(c.addr),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if !c.tls {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// quietExporter never reports export errors to the batcher. It logs the
// first failure of an outage and the recovery, not every dropped batch.
type quietExporter struct {
	sdktrace.SpanExporter
	addr    string
	log     logger.Logger
	failing atomic.Bool
	dropped atomic.Int64
}

func (e *quietExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	err := e.SpanExporter.ExportSpans(ctx, spans)
	if err != nil {
		e.dropped.Add(int64(len(spans)))
		if !e.failing.Swap(true) {
			e.log.Warn("span export failing", "collector", e.addr, "spans", len(spans), "error", err)
		}
		return nil
	}
	if e.failing.Swap(false) {
		e.log.Info("span export recovered", "collector", e.addr, "dropped_spans", e.dropped.Swap(0))
	}
	return nil
}

// Init installs the W3C trace-context and baggage propagators and a tracer
// provider. Disabled tracing installs a no-op provider.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service, log logger.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = logger.Nop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("tracing timeout must be positive")
	}
	c, err := parseCollector(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	exp, err := dialExporter(ctx, c, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttrs(svc)...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&quietExporter{SpanExporter: exp, addr: c.addr, log: log}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Sampler, cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled", "collector", c.addr, "tls", c.tls, "sampler", cfg.Sampler, "sample_rate", cfg.SampleRate)

	return func(ctx context.Context) error {
		// flush first so a slow exporter shutdown cannot lose buffered spans
		flushErr := tp.ForceFlush(ctx)
		if err := tp.Shutdown(ctx); err != nil {
			return errors.Join(flushErr, fmt.Errorf("tracer provider shutdown: %w", err))
		}
		if flushErr != nil {
			return fmt.Errorf("tracer provider flush: %w", flushErr)
		}
		return nil
	}, nil
}

func resourceAttrs(svc Service) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(svc.Name), semconv.ServiceVersion(svc.Version)}
	if svc.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(svc.Environment))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}
	return attrs
}

// sampler builds the root sampler. Anything other than always_on and
// always_off follows the parent and samples new roots at rate.
func sampler(name string, rate float64) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}
