package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/storefront/internal/clock"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "storefront",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "storefront",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "storefront_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "storefront",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "storefront_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsErrorAndLogsChargeTally(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "storefront", Environment: "test"})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)
	s := &Scheduler{log: zap.New(core), genID: node, clock: clock.NewFakeClock(time.Time{})}

	boom := errors.New("boom")
	err = s.runJob(context.Background(), jobDailyCharge, 2, time.Second, func(ctx context.Context) error {
		run := jobRunFromContext(ctx)
		run.RecordOutcome(obsmetrics.ChargeOutcomeSucceeded)
		run.RecordOutcome(obsmetrics.ChargeOutcomeSucceeded)
		run.RecordOutcome(obsmetrics.ChargeOutcomeInsufficient)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), jobDailyCharge)

	finish := logs.FilterMessage("scheduler.job.finish").All()
	require.Len(t, finish, 1)
	assert.Equal(t, zapcore.WarnLevel, finish[0].Level)
	fields := finish[0].ContextMap()
	assert.EqualValues(t, 3, fields["processed_count"])
	assert.EqualValues(t, 1, fields["error_count"])
	assert.EqualValues(t, 2, fields["stores_succeeded"])
	assert.EqualValues(t, 1, fields["stores_insufficient"])
	assert.NotContains(t, fields, "stores_failed")
	assert.Len(t, logs.FilterMessage("scheduler.job.start").All(), 1)
}

func TestNestedRunJobSharesOuterRun(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)
	s := &Scheduler{log: zap.New(core), genID: node, clock: clock.NewFakeClock(time.Time{})}

	var outer, inner *jobRun
	err = s.runJob(context.Background(), "outer", 1, time.Second, func(ctx context.Context) error {
		outer = jobRunFromContext(ctx)
		return s.runJob(ctx, "inner", 1, time.Second, func(ctx context.Context) error {
			inner = jobRunFromContext(ctx)
			inner.AddProcessed(4)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Same(t, outer, inner)

	finish := logs.FilterMessage("scheduler.job.finish").All()
	require.Len(t, finish, 1)
	assert.Equal(t, zapcore.InfoLevel, finish[0].Level)
	assert.Equal(t, "outer", finish[0].ContextMap()["job"])
	assert.EqualValues(t, 4, finish[0].ContextMap()["processed_count"])
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
