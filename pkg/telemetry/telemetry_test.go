package telemetry

import (
	"testing"

	"vmfuzz/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestTelemetryDisabled(t *testing.T) {
	telem, err := NewTelemetry(TelemetryParams{Config: &config.AppConfig{}})
	require.NoError(t, err)
	assert.Nil(t, telem)
}

func TestServiceResource(t *testing.T) {
	res := serviceResource(&config.AppConfig{
		ServiceName: "vmfuzz",
		Fuzz:        config.FuzzConfig{CampaignID: "c-1"},
	})
	v, ok := res.Set().Value(attribute.Key("vmfuzz.campaign.id"))
	require.True(t, ok)
	assert.Equal(t, "c-1", v.AsString())
	v, ok = res.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "vmfuzz", v.AsString())
}
