package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_WithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracer(ctx, "conversion-dispatch", "test", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := otel.Tracer("test").Start(ctx, "op")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
}
