// Package observability provides OpenTelemetry tracing and Prometheus
// metrics for the request pipeline. Spans follow the OpenTelemetry
// GenAI semantic conventions.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"dev.sprung.conductor/internal/config"
)

// ExporterType selects the span exporter backend.
type ExporterType string

const (
	ExporterOTLP    ExporterType = "otlp"
	ExporterConsole ExporterType = "console"
	ExporterNone    ExporterType = "none"
)

// ExporterConfig configures trace export.
type ExporterConfig struct {
	Type        ExporterType
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
	ServiceName string
	Environment string
	Version     string
}

// ExporterFromConfig maps the runtime trace settings onto an
// ExporterConfig.
func ExporterFromConfig(cfg config.TraceConfig, serviceName, version, environment string) *ExporterConfig {
	return &ExporterConfig{
		Type:        ExporterType(cfg.Exporter),
		Endpoint:    cfg.Endpoint,
		Insecure:    cfg.Insecure,
		ServiceName: serviceName,
		Version:     version,
		Environment: environment,
	}
}

// SetupTraceExporter initializes the tracer provider for the configured
// exporter and installs it as the global provider.
func SetupTraceExporter(ctx context.Context, cfg *ExporterConfig) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Type {
	case ExporterOTLP:
		exporter, err = setupOTLPExporter(ctx, cfg)
	case ExporterConsole:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone, "":
		return setupNoOpProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := traceResource(cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func setupOTLPExporter(ctx context.Context, cfg *ExporterConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// setupNoOpProvider installs a provider that samples nothing, so the
// instrumented code path stays identical with tracing disabled.
func setupNoOpProvider(cfg *ExporterConfig) (*sdktrace.TracerProvider, error) {
	res, err := traceResource(cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func traceResource(cfg *ExporterConfig) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironmentNameKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownTraceExporter flushes and stops the provider.
func ShutdownTraceExporter(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
