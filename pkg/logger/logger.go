package logger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"vmfuzz/config"
	"vmfuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

// fieldKeys maps the zap fields the fuzzer logs everywhere to their
// telemetry attribute names. Other fields keep their key.
var fieldKeys = map[string]string{
	"campaign_id": "vmfuzz.campaign.id",
	"worker":      "vmfuzz.worker",
	"bug_kind":    "vmfuzz.bug.kind",
	"scheduler":   "vmfuzz.corpus.role",
	"target":      "vmfuzz.target",
}

func NewLogger(p LoggerParams) *zap.Logger {
	loggerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	level := parseLevel(p.AppConfig.LogLevel)
	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.InitialFields = map[string]any{"service": p.AppConfig.ServiceName}

	if p.Telemetry == nil || p.Telemetry.GetLogger() == nil {
		lg, err := cfg.Build()
		if err != nil {
			// log failed to build, return a default one
			return zap.NewExample()
		}
		return lg
	}

	lg, err := cfg.Build(
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &telemetryCore{
				Core:    core,
				emitter: p.Telemetry.GetLogger(),
				ctx:     loggerCtx,
				attrsBase: []attribute.KeyValue{
					attribute.String("vmfuzz.action.name", "campaign_log"),
				},
			}
		}),
		zap.AddCaller(),
	)
	if err != nil {
		lg, err := cfg.Build()
		if err != nil {
			return zap.NewExample()
		}
		return lg
	}
	lg.Info("Logger with telemetry and fields enabled")
	return lg
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// telemetryCore writes through the wrapped core and emits every entry as an
// OpenTelemetry log record. Fields attached with logger.With are kept so a
// worker's records carry its campaign and worker id.
type telemetryCore struct {
	zapcore.Core
	emitter   log.Logger
	ctx       context.Context
	attrsBase []attribute.KeyValue
}

func (t *telemetryCore) With(fields []zapcore.Field) zapcore.Core {
	attrs := make([]attribute.KeyValue, 0, len(t.attrsBase)+len(fields))
	attrs = append(attrs, t.attrsBase...)
	for _, f := range fields {
		attrs = append(attrs, fieldAttribute(f))
	}
	return &telemetryCore{
		Core:      t.Core.With(fields),
		emitter:   t.emitter,
		ctx:       t.ctx,
		attrsBase: attrs,
	}
}

func (t *telemetryCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return checked.AddCore(ent, t)
	}
	return checked
}

func (t *telemetryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := t.Core.Write(ent, fields); err != nil {
		return err
	}

	rec := log.Record{}
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverityText(ent.Level.String())
	if ent.LoggerName != "" {
		rec.AddAttributes(log.String("vmfuzz.logger", ent.LoggerName))
	}
	for _, attr := range t.attrsBase {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}
	for _, f := range fields {
		rec.AddAttributes(log.KeyValueFromAttribute(fieldAttribute(f)))
	}

	t.emitter.Emit(t.ctx, rec)
	return nil
}

func fieldAttribute(f zapcore.Field) attribute.KeyValue {
	key := f.Key
	if mapped, ok := fieldKeys[key]; ok {
		key = mapped
	}
	switch f.Type {
	case zapcore.BoolType:
		return attribute.Bool(key, f.Integer != 0)
	case zapcore.Float64Type:
		return attribute.Float64(key, math.Float64frombits(uint64(f.Integer)))
	case zapcore.Float32Type:
		return attribute.Float64(key, float64(math.Float32frombits(uint32(f.Integer))))
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return attribute.Int64(key, f.Integer)
	case zapcore.StringType:
		return attribute.String(key, f.String)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return attribute.String(key, err.Error())
		}
		return attribute.String(key, "<nil>")
	case zapcore.DurationType:
		return attribute.String(key, time.Duration(f.Integer).String())
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok {
			return attribute.String(key, s.String())
		}
	}
	return attribute.String(key, fmt.Sprint(f.Interface))
}
