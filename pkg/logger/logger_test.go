package logger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
}

func TestFieldAttribute(t *testing.T) {
	cases := []struct {
		field zapcore.Field
		want  attribute.KeyValue
	}{
		{zap.String("campaign_id", "c-1"), attribute.String("vmfuzz.campaign.id", "c-1")},
		{zap.Int("worker", 3), attribute.Int64("vmfuzz.worker", 3)},
		{zap.Uint64("id", 7), attribute.Int64("id", 7)},
		{zap.Bool("minimized", true), attribute.Bool("minimized", true)},
		{zap.Float64("votes", 1.5), attribute.Float64("votes", 1.5)},
		{zap.Duration("elapsed", 2*time.Second), attribute.String("elapsed", "2s")},
		{zap.Error(errors.New("boom")), attribute.String("error", "boom")},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, fieldAttribute(c.field), c.field.Key)
	}
}
