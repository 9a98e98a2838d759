package tracing

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects where spans are exported. An empty Endpoint disables tracing.
type Config struct {
	ServiceName      string
	Endpoint         string
	Insecure         bool
	SamplingFraction float64
}

// Provider is a TracerProvider that can be flushed on shutdown.
type Provider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type nopProvider struct {
	trace.TracerProvider
}

func (nopProvider) Shutdown(context.Context) error { return nil }

// InitTracer installs a global TracerProvider exporting to an OTLP/HTTP
// collector, together with the W3C trace context and baggage propagators.
func InitTracer(ctx context.Context, cfg Config) (Provider, error) {
	nop := nopProvider{noop.NewTracerProvider()}
	otel.SetTracerProvider(nop)

	if cfg.Endpoint == "" {
		return nop, nil
	}

	r, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nop, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nop, fmt.Errorf("setup otel exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingFraction))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider, nil
}

func newExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

type OtelErrorHandler struct {
	Logger log.Logger
}

func (oh OtelErrorHandler) Handle(err error) {
	level.Error(oh.Logger).Log("msg", "opentelemetry", "err", err.Error())
}
