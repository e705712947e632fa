package observability

import (
	"testing"

	"github.com/smallbiznis/storefront/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("APP_PROCESS", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "HTTP")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("DEPLOYMENT_ENV", "")
	t.Setenv("APP_SERVICE", "")

	cfg := LoadConfig(ConfigParams{
		App: config.Config{Environment: "production", OTLPEndpoint: "collector:4317"},
	})

	assert.Equal(t, "storefront", cfg.ServiceName)
	assert.Equal(t, ProcessMonolith, cfg.Process)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.InDelta(t, 0.1, cfg.OtelSamplingRatio, 1e-9)
	assert.False(t, cfg.Debug())
}

func TestSchedulerProcessSamplesEverything(t *testing.T) {
	t.Setenv("APP_PROCESS", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "")

	cfg := LoadConfig(ConfigParams{Process: ProcessScheduler})

	assert.Equal(t, ProcessScheduler, cfg.Process)
	assert.InDelta(t, 1.0, cfg.OtelSamplingRatio, 1e-9)
}

func TestProcessOverrideFromEnv(t *testing.T) {
	t.Setenv("APP_PROCESS", "API")

	cfg := LoadConfig(ConfigParams{Process: ProcessMonolith})
	assert.Equal(t, ProcessAPI, cfg.Process)
}

func TestDebugInDevelopment(t *testing.T) {
	assert.True(t, Config{Environment: "local", LogLevel: "info"}.Debug())
	assert.True(t, Config{Environment: "production", LogLevel: "debug"}.Debug())
	assert.False(t, Config{Environment: "production", LogLevel: "info"}.Debug())
}
