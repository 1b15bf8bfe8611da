package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitDevelopment(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		ServiceName: "tickstream-test",
		Environment: "development",
		SampleRatio: 1.0,
	}

	shutdown, err := Init(context.Background(), cfg)

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracer(t *testing.T) {
	tracer := Tracer("tickstream-test")
	assert.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "test-span")
	span.End()
}
