package telemetry

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupTracing installs a global tracer provider when tracing is enabled.
// Without an exporter spans are sampled and carry real trace ids, which
// the HTTP layer echoes in X-Trace-ID. The returned func flushes and stops
// the provider.
func SetupTracing(cfg domain.TracingConfig, version string) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}

	name := cfg.ServiceName
	if name == "" {
		name = "kestrel"
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", name),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
