package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	AddLink(spanContext trace.SpanContext)
	Export() string
	End()
}

type TracerKey struct{} // TracerKey is used to store and retrieve the tracer from the context

// ContextWithTracer returns ctx carrying t.
func ContextWithTracer(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, TracerKey{}, t)
}

// TracerFromContext returns the tracer carried by ctx, or a DummyTracer.
func TracerFromContext(ctx context.Context) Tracer {
	if t, ok := ctx.Value(TracerKey{}).(Tracer); ok {
		return t
	}
	return &DummyTracer{}
}

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

func (t *TracerFactory) enabled() bool {
	return t.telemetry != nil && t.telemetry.GetTracer() != nil
}

// NewTracer returns a root tracer.
func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
}

// NewCampaignTracer returns the tracer of one campaign run. When the
// launcher exported a trace context the run becomes its child, otherwise a
// root. A previous run of the same campaign, if exported, is linked.
func (t *TracerFactory) NewCampaignTracer(ctx context.Context, parent, previous, spanName string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	var tracer Tracer
	if parent != "" {
		if origin, err := NewTelemetryTracerFrom(ctx, t.telemetry.GetTracer(), parent); err == nil {
			tracer = origin.Spawn(spanName)
		}
	}
	if tracer == nil {
		tracer = NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
	}
	if previous != "" {
		if spanContext, err := spanContextFromRaw(previous); err == nil && spanContext.IsValid() {
			tracer.AddLink(spanContext)
		}
	}
	return tracer
}

// A dummy tracer that does nothing when telemetry is not enabled
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) AddLink(spanContext trace.SpanContext)            {}
func (t *DummyTracer) Export() string                                   { return "" }
func (t *DummyTracer) End()                                             {}
