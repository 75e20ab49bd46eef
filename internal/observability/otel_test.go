package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/geoflow/orchestrator/internal/logger"
)

func TestInit_DisabledByDefaultReturnsNoopShutdown(t *testing.T) {
	shutdown := Init(context.Background(), logger.New("test"), Config{ServiceName: "test-svc"})
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestTracer_ReturnsUsableTracer(t *testing.T) {
	tracer := Tracer("test")
	require.NotNil(t, tracer)
	_, span := tracer.Start(context.Background(), "op")
	span.End()
}
