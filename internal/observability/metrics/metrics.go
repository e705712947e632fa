package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTel counters for tenant connections, credits and
// admin rate limiting. A nil *Metrics records nothing.
type Metrics struct {
	tenantConnects   metric.Int64Counter
	tenantEvictions  metric.Int64Counter
	creditDebits     metric.Int64Counter
	creditAdjusts    metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider installs the global meter provider, exporting every 10s over
// OTLP when enabled and a no-op provider otherwise.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))
	m := &Metrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.tenantConnects, "storefront_tenant_connect_total", "Tenant database connect attempts by outcome."},
		{&m.tenantEvictions, "storefront_tenant_evictions_total", "Tenant handles closed, by reason."},
		{&m.creditDebits, "storefront_credit_debits_total", "Credit debits by outcome."},
		{&m.creditAdjusts, "storefront_credit_adjustments_total", "Manual credit adjustments by kind."},
		{&m.rateLimitAllowed, "storefront_rate_limit_allowed_total", "Requests admitted by a rate limiter."},
		{&m.rateLimitDenied, "storefront_rate_limit_denied_total", "Requests refused by a rate limiter."},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "storefront"
}

func (m *Metrics) RecordTenantConnect(ctx context.Context, outcome string) {
	if m != nil {
		add(ctx, m.tenantConnects, attribute.String("outcome", outcome))
	}
}

// RecordTenantEviction counts handles closed by the idle sweep or explicit invalidation.
func (m *Metrics) RecordTenantEviction(ctx context.Context, reason string) {
	if m != nil {
		add(ctx, m.tenantEvictions, attribute.String("reason", reason))
	}
}

func (m *Metrics) RecordCreditDebit(ctx context.Context, outcome string) {
	if m != nil {
		add(ctx, m.creditDebits, attribute.String("outcome", outcome))
	}
}

// RecordCreditAdjustment counts manual top-ups and corrections.
func (m *Metrics) RecordCreditAdjustment(ctx context.Context, kind string) {
	if m != nil {
		add(ctx, m.creditAdjusts, attribute.String("kind", kind))
	}
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m != nil {
		add(ctx, m.rateLimitAllowed, attribute.String("endpoint", endpoint))
	}
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m != nil {
		add(ctx, m.rateLimitDenied,
			attribute.String("endpoint", endpoint),
			attribute.String("reason", reason),
		)
	}
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			attrs[i] = attribute.String(string(attr.Key), strings.TrimSpace(attr.Value.AsString()))
		}
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// store_id is deliberately absent: one series per tenant does not scale.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"outcome":     {},
	"reason":      {},
	"kind":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
