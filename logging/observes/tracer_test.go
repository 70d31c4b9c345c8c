package observes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracerNilOption(t *testing.T) {
	_, err := NewTracer(context.Background(), nil)
	assert.Error(t, err)
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), LayerService, "query.get", attribute.String("job.id", "1"))
	assert.NotNil(t, ctx)
	span.SetAttributes(attribute.Bool("cached", true))
	span.End(errors.New("boom"))
}

func TestLayerString(t *testing.T) {
	assert.Equal(t, "ingest", LayerIngest.String())
	assert.Equal(t, "handler", LayerHandler.String())
}
