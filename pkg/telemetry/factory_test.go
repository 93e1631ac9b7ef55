package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracerFromContext(t *testing.T) {
	assert.IsType(t, &DummyTracer{}, TracerFromContext(context.Background()))

	tracer := NewTracerFactory(TracerFactoryParams{}).NewTracer(context.Background(), "run")
	ctx := ContextWithTracer(context.Background(), tracer)
	assert.Same(t, tracer, TracerFromContext(ctx))
}

func TestDisabledFactoryHandsOutDummies(t *testing.T) {
	f := NewTracerFactory(TracerFactoryParams{})
	tracer := f.NewCampaignTracer(context.Background(), `{"traceparent":"bogus"}`, "not json", "campaign")
	assert.IsType(t, &DummyTracer{}, tracer)
	assert.Empty(t, tracer.Export())
}
