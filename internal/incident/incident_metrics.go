package incident

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Metrics holds Prometheus metrics for the incident subsystem. A nil *Metrics
// records nothing.
type Metrics struct {
	AlertsTotal        *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	StatusChangesTotal *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	BreakerState       prometheus.Gauge
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_alerts_total",
			Help: "Alerts ingested by correlation outcome.",
		}, []string{"action"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_alert_rejections_total",
			Help: "Alerts or payloads rejected before correlation, by reason.",
		}, []string{"reason"}),
		StatusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_status_changes_total",
			Help: "Manual incident changes by resulting status.",
		}, []string{"status"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "incidentd_ingest_duration_seconds",
			Help:    "Duration of webhook payload ingestion in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "incidentd_store_breaker_state",
			Help: "Ingestion store circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.RejectionsTotal,
		m.StatusChangesTotal,
		m.IngestDuration,
		m.BreakerState,
	)

	return m
}

func (m *Metrics) alert(a Action) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) statusChange(s Status) {
	if m == nil {
		return
	}
	m.StatusChangesTotal.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) ingestDuration(seconds float64) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(seconds)
}

func (m *Metrics) breakerState(s gobreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(s))
}
