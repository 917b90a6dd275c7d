package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestInitOTel_InstallsGlobals(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevMP := otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	}()

	// exporters connect lazily, so an unused endpoint is fine here
	providers, err := InitOTel(context.Background(), OTelConfig{
		Enabled:        true,
		Endpoint:       "127.0.0.1:4317",
		ServiceName:    "paycore-test",
		ServiceVersion: "test",
		Insecure:       true,
		SampleRatio:    0.5,
	}, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.Same(t, providers.TracerProvider, otel.GetTracerProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// flushing against a cancelled context may fail; it must not hang
	_ = providers.Shutdown(ctx)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestOTelProviders_ShutdownPartial(t *testing.T) {
	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}
	assert.NoError(t, providers.Shutdown(context.Background()))
}
