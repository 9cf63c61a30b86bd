package metrics

import (
	"net/http"
	"time"

	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/phase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for cutover.
type Metrics struct {
	registry             *prometheus.Registry
	backendRequestsTotal *prometheus.CounterVec
	backendLatency       *prometheus.HistogramVec
	shadowComparisons    *prometheus.CounterVec
	phaseGauge           *prometheus.GaugeVec
	trafficNewPercent    prometheus.Gauge
	flagVersion          prometheus.Gauge
	rollbacksTotal       *prometheus.CounterVec
	alertsTotal          *prometheus.CounterVec
	entities             *prometheus.GaugeVec
	healthCycleDuration  prometheus.Histogram
	lastHealthCycle      prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		backendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutover_backend_requests_total",
			Help: "Requests handled per backend and outcome.",
		}, []string{"backend", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutover_backend_latency_seconds",
			Help:    "Backend processing latency in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .015, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"backend"}),
		shadowComparisons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutover_shadow_comparisons_total",
			Help: "Shadow comparisons by result.",
		}, []string{"result"}),
		phaseGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cutover_phase",
			Help: "1 for the current migration phase, 0 otherwise.",
		}, []string{"phase"}),
		trafficNewPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutover_traffic_new_percent",
			Help: "Percentage of traffic routed to the new backend.",
		}),
		flagVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutover_flag_version",
			Help: "Version of the published feature flag set.",
		}),
		rollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutover_rollbacks_total",
			Help: "Rollbacks executed by trigger.",
		}, []string{"trigger"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutover_alerts_total",
			Help: "Health alerts emitted by severity.",
		}, []string{"severity"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cutover_entities",
			Help: "Migration entities by status.",
		}, []string{"status"}),
		healthCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cutover_health_cycle_duration_seconds",
			Help:    "Duration of health evaluation cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		lastHealthCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutover_last_health_cycle_timestamp",
			Help: "Unix timestamp of the last completed health cycle.",
		}),
	}

	registry.MustRegister(
		m.backendRequestsTotal,
		m.backendLatency,
		m.shadowComparisons,
		m.phaseGauge,
		m.trafficNewPercent,
		m.flagVersion,
		m.rollbacksTotal,
		m.alertsTotal,
		m.entities,
		m.healthCycleDuration,
		m.lastHealthCycle,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBackend records one backend invocation.
func (m *Metrics) ObserveBackend(backend string, latency time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.backendRequestsTotal.WithLabelValues(backend, outcome).Inc()
	m.backendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// ObserveShadow records a shadow comparison result.
func (m *Metrics) ObserveShadow(match bool) {
	if m == nil {
		return
	}
	result := "match"
	if !match {
		result = "mismatch"
	}
	m.shadowComparisons.WithLabelValues(result).Inc()
}

// SetFlagSet mirrors the published snapshot into gauges.
func (m *Metrics) SetFlagSet(set *flags.Set) {
	if m == nil || set == nil {
		return
	}
	for _, p := range append(append([]phase.Phase(nil), phase.Forward...), phase.RolledBack) {
		value := 0.0
		if p == set.Phase {
			value = 1
		}
		m.phaseGauge.WithLabelValues(p.String()).Set(value)
	}
	m.trafficNewPercent.Set(float64(set.Split.New))
	m.flagVersion.Set(float64(set.Version))
}

// IncRollbacks increments the rollback counter for the trigger.
func (m *Metrics) IncRollbacks(trigger string) {
	if m == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(trigger).Inc()
}

// IncAlerts increments the alerts counter for the severity.
func (m *Metrics) IncAlerts(severity string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(severity).Inc()
}

// SetEntityCounts sets the entity gauges.
func (m *Metrics) SetEntityCounts(counts entity.Counts) {
	if m == nil {
		return
	}
	for _, status := range entity.Statuses {
		m.entities.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// ObserveHealthCycle records the duration and completion time of a health cycle.
func (m *Metrics) ObserveHealthCycle(duration time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.healthCycleDuration.Observe(duration.Seconds())
	m.lastHealthCycle.Set(float64(at.Unix()))
}
