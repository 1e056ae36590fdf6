package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeindexd/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	cfg := &config.TelemetryConfig{Enabled: false}

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	// Tracer from a disabled instance must be usable.
	tracer := tel.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	tracer := tel.Tracer("test")
	require.NotNil(t, tracer)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
