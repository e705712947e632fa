package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResolveOutcomeHit      = "hit"
	ResolveOutcomeConnect  = "connect"
	ResolveOutcomeUnknown  = "unknown_tenant"
	ResolveOutcomeCredFail = "credential_error"
	ResolveOutcomeProvFail = "provisioning_error"
	ResolveOutcomeError    = "error"
)

// TenantMetrics tracks the tenant connection cache.
type TenantMetrics struct {
	openHandles     prometheus.Gauge
	inFlight        prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
}

// NewTenantMetrics registers tenant connection instruments on the default registerer.
func NewTenantMetrics(cfg Config) *TenantMetrics {
	return NewTenantMetricsWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

func NewTenantMetricsWithRegisterer(registerer prometheus.Registerer, cfg Config) *TenantMetrics {
	constLabels := serviceLabels(cfg)
	m := &TenantMetrics{
		openHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "storefront_tenant_open_handles",
			Help:        "Tenant connection handles currently cached.",
			ConstLabels: constLabels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "storefront_tenant_connects_in_flight",
			Help:        "Tenant connect sequences currently running.",
			ConstLabels: constLabels,
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "storefront_tenant_connect_attempts_total",
			Help:        "Tenant database connect attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "storefront_tenant_handle_evictions_total",
			Help:        "Tenant handles closed by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		resolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "storefront_tenant_resolve_duration_seconds",
			Help:        "Resolve latency by outcome.",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.openHandles, m.inFlight, m.connectAttempts, m.evictions, m.resolveDuration)
	return m
}

func (m *TenantMetrics) SetOpenHandles(n int) {
	if m == nil {
		return
	}
	m.openHandles.Set(float64(n))
}

func (m *TenantMetrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *TenantMetrics) IncConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *TenantMetrics) IncEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *TenantMetrics) ObserveResolve(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
