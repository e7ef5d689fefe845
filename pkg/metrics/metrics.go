// Package metrics exposes Prometheus instrumentation for producers, pools and
// workers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "beanstalk_jobs"

// Metrics holds the collectors. Create one per registry with New.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed        *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	JobsEnqueued         *prometheus.CounterVec
	HealthyEndpoints     prometheus.Gauge
	QuarantinedEndpoints prometheus.Gauge
	Reconnects           prometheus.Counter
	ChildrenRunning      *prometheus.GaugeVec
	ChildExits           *prometheus.CounterVec
}

// New creates the collectors on a fresh registry. Runtime collectors are
// added when withRuntime is true.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Processed job attempts by tube and outcome.",
		}, []string{"tube", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent processing a reserved job.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"tube"}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs put on the broker by tube.",
		}, []string{"tube"}),
		HealthyEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_healthy_endpoints",
			Help:      "Broker endpoints currently serving traffic.",
		}),
		QuarantinedEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_quarantined_endpoints",
			Help:      "Broker endpoints waiting for recovery.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Transport replacements after connection loss.",
		}),
		ChildrenRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "children_running",
			Help:      "Live worker child processes by tube.",
		}, []string{"tube"}),
		ChildExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Worker child exits by tube and exit code.",
		}, []string{"tube", "code"}),
	}

	m.registry.MustRegister(
		m.JobsProcessed,
		m.JobDuration,
		m.JobsEnqueued,
		m.HealthyEndpoints,
		m.QuarantinedEndpoints,
		m.Reconnects,
		m.ChildrenRunning,
		m.ChildExits,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry the collectors live on, for promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveJob records one processed attempt.
func (m *Metrics) ObserveJob(tube, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(tube, outcome).Inc()
	m.JobDuration.WithLabelValues(tube).Observe(d.Seconds())
}

// JobEnqueued counts a successful put.
func (m *Metrics) JobEnqueued(tube string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(tube).Inc()
}

// SetEndpoints publishes the pool's healthy and quarantined counts.
func (m *Metrics) SetEndpoints(healthy, quarantined int) {
	if m == nil {
		return
	}
	m.HealthyEndpoints.Set(float64(healthy))
	m.QuarantinedEndpoints.Set(float64(quarantined))
}

// Reconnected counts one transport replacement.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// ChildStarted marks a child process as running for tube.
func (m *Metrics) ChildStarted(tube string) {
	if m == nil {
		return
	}
	m.ChildrenRunning.WithLabelValues(tube).Inc()
}

// ChildExited records a child exit and its code.
func (m *Metrics) ChildExited(tube string, code int) {
	if m == nil {
		return
	}
	m.ChildrenRunning.WithLabelValues(tube).Dec()
	m.ChildExits.WithLabelValues(tube, strconv.Itoa(code)).Inc()
}
