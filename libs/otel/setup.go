package otelx

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const defaultCollector = "otel-collector:4317"

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

type Config struct {
	Enabled     bool
	ServiceName string
	Environment string
	// Endpoint is the collector's gRPC host:port.
	Endpoint    string
	SampleRatio float64
}

// ConfigFromEnv reads the OTEL_* variables. Tracing switches on when an exporter endpoint is
// set; OTEL_ENABLED overrides that in either direction.
func ConfigFromEnv(serviceName string) Config {
	cfg := Config{
		ServiceName: serviceName,
		Environment: envOr("APP_ENV", "development"),
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		SampleRatio: 1,
	}
	cfg.Enabled = cfg.Endpoint != ""
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("OTEL_ENABLED"))); err == nil {
		cfg.Enabled = v
	}
	if cfg.Enabled && cfg.Endpoint == "" {
		cfg.Endpoint = defaultCollector
	}
	if r, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("OTEL_SAMPLING_RATIO")), 64); err == nil && r >= 0 && r <= 1 {
		cfg.SampleRatio = r
	}
	return cfg
}

// Setup installs the W3C propagator and, when enabled, an OTLP batch exporter as the global
// tracer provider. The returned func flushes and stops the exporter.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagator)
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
