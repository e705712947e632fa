package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("store_id", "123"),
		attribute.String("outcome", "succeeded"),
		attribute.String("endpoint", "/admin/billing/daily-charge/run"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	require.Contains(t, keys, attribute.Key("outcome"))
	require.Contains(t, keys, attribute.Key("endpoint"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTenantConnect(context.Background(), "ok")
	m.RecordCreditDebit(context.Background(), "ok")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordTenantConnect(context.Background(), "ok")
	m.RecordTenantEviction(context.Background(), "idle")
	m.RecordCreditAdjustment(context.Background(), "top_up")
	m.RecordRateLimitDenied(context.Background(), "/admin", "exhausted")
}

func TestCountersRecordTrimmedLowCardinalityAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "storefront"}, provider)
	require.NoError(t, err)

	m.RecordCreditDebit(context.Background(), " succeeded ")
	m.RecordCreditDebit(context.Background(), "succeeded")
	m.RecordCreditDebit(context.Background(), "insufficient")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	points := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "storefront_credit_debits_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				points[outcome.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"succeeded": 2, "insufficient": 1}, points)
}
