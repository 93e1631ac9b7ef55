package telemetry

import (
	"context"
	"errors"

	"vmfuzz/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	// GetLogger is nil when the log exporter could not be set up.
	GetLogger() log.Logger
}

type TelemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

type TelemetryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.AppConfig
}

func serviceResource(appConfig *config.AppConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", appConfig.ServiceName),
		attribute.String("service.namespace", "vmfuzz"),
	}
	if appConfig.Fuzz.CampaignID != "" {
		attrs = append(attrs, attribute.String("vmfuzz.campaign.id", appConfig.Fuzz.CampaignID))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// NewTelemetry sets up OTLP trace and log export, configured through the
// standard OTEL_EXPORTER_OTLP_* variables. It returns a nil Telemetry when
// TELEMETRY_ENABLED is off.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if !p.Config.TelemetryEnabled {
		return nil, nil
	}
	telemetryCtx, cancel := context.WithCancel(context.Background())
	res := serviceResource(p.Config)

	tracerExp, err := otlptracegrpc.New(telemetryCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tracerExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// the log exporter is optional, spans still flow without it
	var logProvider *sdklog.LoggerProvider
	var logger log.Logger
	if logExp, err := otlploggrpc.New(telemetryCtx); err == nil {
		logProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		)
		logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			defer cancel()
			errs := []error{traceProvider.Shutdown(ctx)}
			if logProvider != nil {
				errs = append(errs, logProvider.Shutdown(ctx))
			}
			return errors.Join(errs...)
		},
	})

	return &TelemetryImpl{traceProvider.Tracer(p.Config.ServiceName), logger}, nil
}

func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *TelemetryImpl) GetLogger() log.Logger {
	return t.logger
}
