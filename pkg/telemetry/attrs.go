package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	ActionCategory string

	CampaignID   optional[string] // vmfuzz.campaign.id
	Target       optional[string] // vmfuzz.target
	BugKind      optional[string] // vmfuzz.bug.kind
	Worker       optional[int]    // vmfuzz.worker
	corpusSize   optional[int]    // vmfuzz.corpus.size
	infantSize   optional[int]    // vmfuzz.corpus.infants
	solutionSize optional[int]    // vmfuzz.corpus.solutions

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// EmptySpanAttributes carries no action category, for attributes added to a
// span after it started.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies fields set in other that are still unset in o. The first
// value recorded for a field wins, except the action category which other
// always overrides.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.CampaignID, &other.CampaignID)
	mergeOptional(&o.Target, &other.Target)
	mergeOptional(&o.BugKind, &other.BugKind)
	mergeOptional(&o.Worker, &other.Worker)
	mergeOptional(&o.corpusSize, &other.corpusSize)
	mergeOptional(&o.infantSize, &other.infantSize)
	mergeOptional(&o.solutionSize, &other.solutionSize)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithCampaignID(val string) *SpanAttributes {
	o.CampaignID.Set(val)
	return o
}

func (o *SpanAttributes) WithTarget(val string) *SpanAttributes {
	o.Target.Set(val)
	return o
}

func (o *SpanAttributes) WithBugKind(val string) *SpanAttributes {
	o.BugKind.Set(val)
	return o
}

func (o *SpanAttributes) WithWorker(val int) *SpanAttributes {
	o.Worker.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.corpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithInfantSize(val int) *SpanAttributes {
	o.infantSize.Set(val)
	return o
}

func (o *SpanAttributes) WithSolutionSize(val int) *SpanAttributes {
	o.solutionSize.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	attrs = append(attrs, attribute.String("vmfuzz.action.category", o.ActionCategory))
	if o.CampaignID.set {
		attrs = append(attrs, attribute.String("vmfuzz.campaign.id", o.CampaignID.val))
	}
	if o.Target.set {
		attrs = append(attrs, attribute.String("vmfuzz.target", o.Target.val))
	}
	if o.BugKind.set {
		attrs = append(attrs, attribute.String("vmfuzz.bug.kind", o.BugKind.val))
	}
	if o.Worker.set {
		attrs = append(attrs, attribute.Int("vmfuzz.worker", o.Worker.val))
	}
	if o.corpusSize.set {
		attrs = append(attrs, attribute.Int("vmfuzz.corpus.size", o.corpusSize.val))
	}
	if o.infantSize.set {
		attrs = append(attrs, attribute.Int("vmfuzz.corpus.infants", o.infantSize.val))
	}
	if o.solutionSize.set {
		attrs = append(attrs, attribute.Int("vmfuzz.corpus.solutions", o.solutionSize.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
