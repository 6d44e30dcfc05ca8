// Package metrics exposes agent-runner's operational gauges/counters
// through prometheus/client_golang, replacing the teacher's hand-rolled
// apiRequestCounts map (server/metrics.go) with real Counter/Gauge vectors
// registered against a private registry and served on the status HTTP
// surface the same way the teacher exposed /admin/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter/histogram agent-runner's components
// update during a cycle.
type Metrics struct {
	registry *prometheus.Registry

	CycleDuration    prometheus.Histogram
	CyclesTotal      *prometheus.CounterVec // label: outcome (ok, error)
	ConcurrencyInUse prometheus.Gauge
	ServiceInUse     *prometheus.GaugeVec   // label: engine
	UsageGateDenies  *prometheus.CounterVec // label: engine, reason
	DispatchedTotal  *prometheus.CounterVec // label: kind (issue, idle, review_followup)
	RunningIssues    prometheus.Gauge
	ScheduledRetries prometheus.Gauge
}

// New builds a Metrics registered against a fresh private registry, so
// tests can construct independent instances without colliding on the
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent_runner",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one runCycle pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "cycles_total",
			Help:      "Total number of completed cycles, by outcome.",
		}, []string{"outcome"}),
		ConcurrencyInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "concurrency_in_use",
			Help:      "Current number of global concurrency-gate tokens held.",
		}),
		ServiceInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "service_concurrency_in_use",
			Help:      "Current number of per-service concurrency-gate tokens held, by engine.",
		}, []string{"engine"}),
		UsageGateDenies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "usage_gate_denies_total",
			Help:      "Total number of usage-gate denials, by engine and reason.",
		}, []string{"engine", "reason"}),
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "dispatched_total",
			Help:      "Total number of dispatched runs, by kind.",
		}, []string{"kind"}),
		RunningIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "running_issues",
			Help:      "Number of issues currently in the running state.",
		}),
		ScheduledRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "scheduled_retries",
			Help:      "Number of pending scheduled retries.",
		}),
	}
	reg.MustRegister(
		m.CycleDuration, m.CyclesTotal, m.ConcurrencyInUse, m.ServiceInUse,
		m.UsageGateDenies, m.DispatchedTotal, m.RunningIssues, m.ScheduledRetries,
	)
	return m
}

// Handler returns the HTTP handler that serves this instance's metrics in
// the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one completed runCycle pass's duration and outcome.
func (m *Metrics) ObserveCycle(d time.Duration, outcome string) {
	m.CycleDuration.Observe(d.Seconds())
	m.CyclesTotal.WithLabelValues(outcome).Inc()
}

// SetConcurrencyInUse updates the global concurrency-gate gauge.
func (m *Metrics) SetConcurrencyInUse(n int) { m.ConcurrencyInUse.Set(float64(n)) }

// SetServiceInUse updates the per-engine concurrency-gate gauge.
func (m *Metrics) SetServiceInUse(engine string, n int) {
	m.ServiceInUse.WithLabelValues(engine).Set(float64(n))
}

// IncUsageGateDeny records one usage-gate denial for engine/reason.
func (m *Metrics) IncUsageGateDeny(engine, reason string) {
	m.UsageGateDenies.WithLabelValues(engine, reason).Inc()
}

// IncDispatched records one dispatched run of the given kind.
func (m *Metrics) IncDispatched(kind string) { m.DispatchedTotal.WithLabelValues(kind).Inc() }

// SetRunningIssues updates the running-issues gauge.
func (m *Metrics) SetRunningIssues(n int) { m.RunningIssues.Set(float64(n)) }

// SetScheduledRetries updates the scheduled-retries gauge.
func (m *Metrics) SetScheduledRetries(n int) { m.ScheduledRetries.Set(float64(n)) }
