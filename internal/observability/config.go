package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/storefront/internal/config"
	"go.uber.org/fx"
)

// Process names the binary emitting telemetry. All three share one service
// name, so logs and traces carry the process to tell them apart.
type Process string

const (
	ProcessMonolith  Process = "monolith"
	ProcessAPI       Process = "api"
	ProcessScheduler Process = "scheduler"
)

// Config is the telemetry configuration shared by logs, traces and metrics.
type Config struct {
	ServiceName string
	Process     Process
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

type ConfigParams struct {
	fx.In

	App     config.Config
	Process Process `optional:"true"`
}

func LoadConfig(p ConfigParams) Config {
	cfg := p.App
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "storefront"
	}
	process := Process(strings.ToLower(getenv("APP_PROCESS", string(p.Process))))
	if process == "" {
		process = ProcessMonolith
	}

	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}

	return Config{
		ServiceName:          serviceName,
		Process:              process,
		Environment:          getenv("DEPLOYMENT_ENV", cfg.Environment),
		Version:              getenv("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getenv("LOG_FORMAT", "json")),
		OtelEnabled:          getenvBool("OTEL_ENABLED", true),
		OtelExporterEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    getenvFloat("OTEL_SAMPLING_RATIO", defaultSamplingRatio(process)),
	}
}

// The scheduler emits a handful of traces per run, so it keeps them all.
func defaultSamplingRatio(process Process) float64 {
	if process == ProcessScheduler {
		return 1
	}
	return 0.1
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func getenvBool(key string, def bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return value
}

func getenvFloat(key string, def float64) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return value
}
