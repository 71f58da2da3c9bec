package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"reflowline/internal/config"
	"reflowline/internal/domain"
)

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("REFLOWLINE_OTEL_ENABLED", "")
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	m, err := NewMetrics()
	require.NoError(t, err)
	m.RecordRun(context.Background(), domain.ReflowRun{Mode: domain.RunPreview, Collisions: []domain.Collision{{Kind: domain.CollisionNegativeSlack}}})
	m.RecordTransition(context.Background(), domain.StateReady, true)

	var nilMetrics *Metrics
	nilMetrics.RecordRun(context.Background(), domain.ReflowRun{})
}

func TestInitEnabledWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: true}, "test")
	require.NoError(t, err)
	m, err := NewMetrics()
	require.NoError(t, err)
	m.RecordRun(context.Background(), domain.ReflowRun{Mode: domain.RunApply, AppliedChanges: make([]domain.ReflowChange, 2)})
	require.NoError(t, shutdown(context.Background()))
}
