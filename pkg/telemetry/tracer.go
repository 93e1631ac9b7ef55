package telemetry

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryTracer wraps one span. Attributes and links set before Start are
// applied when the span starts; events and status before Start are dropped.
type TelemetryTracer struct {
	tracer     trace.Tracer
	span       trace.Span
	tracerCtx  context.Context // children are started from this context
	links      []trace.Link
	spanName   string
	attributes *SpanAttributes

	started bool
}

func NewTelemetryTracer(ctx context.Context, tracer trace.Tracer, spanName string) *TelemetryTracer {
	return &TelemetryTracer{
		tracer:     tracer,
		tracerCtx:  ctx,
		spanName:   spanName,
		attributes: EmptySpanAttributes(),
	}
}

// NewTelemetryTracerFrom imports a span exported by another process. The
// result only serves as a parent for Spawn.
func NewTelemetryTracerFrom(ctx context.Context, tracer trace.Tracer, exported string) (*TelemetryTracer, error) {
	carrier := make(map[string]string)
	if err := json.Unmarshal([]byte(exported), &carrier); err != nil {
		return nil, err
	}
	return &TelemetryTracer{
		tracer:     tracer,
		tracerCtx:  otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier)),
		attributes: EmptySpanAttributes(),
		started:    true,
	}, nil
}

func (t *TelemetryTracer) Start() {
	if t.started {
		return
	}
	attributes := append(t.attributes.Attributes(), attribute.String("vmfuzz.action.name", t.spanName))
	t.tracerCtx, t.span = t.tracer.Start(t.tracerCtx,
		t.spanName,
		trace.WithAttributes(attributes...),
		trace.WithLinks(t.links...))
	t.started = true
}

func (t *TelemetryTracer) live() bool {
	return t.started && t.span != nil
}

func (t *TelemetryTracer) SetStatus(code codes.Code, message string) {
	if t.live() {
		t.span.SetStatus(code, message)
	}
}

func (t *TelemetryTracer) WithAttributes(attributes *SpanAttributes) Tracer {
	t.attributes.Merge(attributes)
	if t.live() {
		t.span.SetAttributes(t.attributes.Attributes()...)
	}
	return t
}

func (t *TelemetryTracer) AddEvent(name string, e EventAttributes) {
	if t.live() {
		t.span.AddEvent(name, trace.WithAttributes(e...))
	}
}

// Spawn returns an unstarted child carrying this tracer's attributes.
func (t *TelemetryTracer) Spawn(spanName string) Tracer {
	child := NewTelemetryTracer(t.tracerCtx, t.tracer, spanName)
	return child.WithAttributes(t.attributes)
}

func (t *TelemetryTracer) AddLink(spanContext trace.SpanContext) {
	link := trace.Link{SpanContext: spanContext}
	t.links = append(t.links, link)
	if t.live() {
		t.span.AddLink(link)
	}
}

// Export serializes the span context as a JSON propagation carrier.
func (t *TelemetryTracer) Export() string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(t.tracerCtx, propagation.MapCarrier(carrier))
	payload, _ := json.Marshal(carrier)
	return string(payload)
}

func (t *TelemetryTracer) End() {
	if t.live() {
		t.span.End()
	}
}

func spanContextFromRaw(raw string) (trace.SpanContext, error) {
	carrier := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &carrier); err != nil {
		return trace.SpanContext{}, err
	}
	extractedCtx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(carrier))
	return trace.SpanContextFromContext(extractedCtx), nil
}
