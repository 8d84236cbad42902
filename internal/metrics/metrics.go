// Package metrics exports admission and alerting metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nshruti113/admission-guard/internal/models"
)

const namespace = "admission_guard"

// Metrics implements the ratelimit and monitoring recorders and observes
// monitoring snapshots.
type Metrics struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	dispatchDropped prometheus.Counter
	blockedRate     prometheus.Gauge
	activeAlerts    prometheus.Gauge
	ddosAttacks     prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by tier and outcome.",
		}, []string{"tier", "outcome"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Counter store failures by component.",
		}, []string{"component"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by type and severity.",
		}, []string{"type", "severity"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert notification attempts by channel and result.",
		}, []string{"channel", "result"}),
		dispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_dispatch_dropped_total",
			Help:      "Alert notifications skipped by the dispatch rate limit.",
		}),
		blockedRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_rate",
			Help:      "Share of requests blocked in the current collection interval.",
		}),
		activeAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Unresolved alerts.",
		}),
		ddosAttacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ddos_attacks",
			Help:      "Attack detections in the current collection interval.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.storeFailures,
		m.alerts,
		m.notifications,
		m.dispatchDropped,
		m.blockedRate,
		m.activeAlerts,
		m.ddosAttacks,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Decision(tier models.Tier, outcome string) {
	m.decisions.WithLabelValues(string(tier), outcome).Inc()
}

func (m *Metrics) StoreFailure(component string) {
	m.storeFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) AlertRaised(alertType, severity string) {
	m.alerts.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) NotificationSent(channel string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) DispatchDropped() {
	m.dispatchDropped.Inc()
}

// OnEvent updates the interval gauges from a monitoring snapshot.
func (m *Metrics) OnEvent(s models.MetricsSnapshot) {
	m.blockedRate.Set(s.BlockedRate)
	m.activeAlerts.Set(float64(s.ActiveAlerts))
	m.ddosAttacks.Set(float64(s.DDoSAttacks))
}
