package telemetry

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		shutdown := SetupTracing(domain.TracingConfig{}, "test")
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("Enabled", func(t *testing.T) {
		shutdown := SetupTracing(domain.TracingConfig{Enabled: true, ServiceName: "kestrel-test"}, "test")
		defer func() { require.NoError(t, shutdown(context.Background())) }()

		_, span := Tracer.Start(context.Background(), "detect")
		defer span.End()
		assert.True(t, span.SpanContext().TraceID().IsValid())
	})
}
