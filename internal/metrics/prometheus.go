// Package metrics exposes Prometheus metrics for the execution core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the host.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	coldStartsTotal  prometheus.Counter
	warmStartsTotal  prometheus.Counter

	invocationDuration *prometheus.HistogramVec
	compileDuration    prometheus.Histogram

	admissionTotal *prometheus.CounterVec
	inflight       prometheus.Gauge

	poolContexts prometheus.Gauge
	poolMemoryMB prometheus.Gauge
	evictedTotal *prometheus.CounterVec
	discarded    prometheus.Counter
}

// Duration buckets in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var (
	global *Metrics
	once   sync.Once
)

// Global returns the process-wide metrics, initializing on first use.
func Global() *Metrics {
	once.Do(func() {
		global = newMetrics("faasta")
	})
	return global
}

func newMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total function invocations by outcome",
			},
			[]string{"function", "outcome"},
		),
		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Invocations that compiled or instantiated a fresh context",
			},
		),
		warmStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Invocations served from a cached context",
			},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Invocation wall-clock duration in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"function"},
		),
		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_ms",
				Help:      "Module compilation duration in milliseconds",
				Buckets:   defaultBuckets,
			},
		),
		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_total",
				Help:      "Admission decisions by result",
			},
			[]string{"result"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_invocations",
				Help:      "Invocations currently holding a concurrency token",
			},
		),
		poolContexts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_contexts",
				Help:      "Execution contexts resident in the instance cache",
			},
		),
		poolMemoryMB: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_memory_mb",
				Help:      "Aggregate memory ceiling of resident contexts",
			},
		),
		evictedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_evictions_total",
				Help:      "Context evictions by reason",
			},
			[]string{"reason"},
		),
		discarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contexts_discarded_total",
				Help:      "Contexts discarded after a trap or timeout",
			},
		),
	}

	registry.MustRegister(
		m.invocationsTotal,
		m.coldStartsTotal,
		m.warmStartsTotal,
		m.invocationDuration,
		m.compileDuration,
		m.admissionTotal,
		m.inflight,
		m.poolContexts,
		m.poolMemoryMB,
		m.evictedTotal,
		m.discarded,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInvocation records one finished invocation.
func (m *Metrics) RecordInvocation(function, outcome string, coldStart bool, d time.Duration) {
	m.invocationsTotal.WithLabelValues(function, outcome).Inc()
	m.invocationDuration.WithLabelValues(function).Observe(float64(d.Milliseconds()))
	if coldStart {
		m.coldStartsTotal.Inc()
	} else {
		m.warmStartsTotal.Inc()
	}
}

// RecordCompile records a module compilation.
func (m *Metrics) RecordCompile(d time.Duration) {
	m.compileDuration.Observe(float64(d.Milliseconds()))
}

// RecordAdmission records an admission decision.
func (m *Metrics) RecordAdmission(admitted bool) {
	if admitted {
		m.admissionTotal.WithLabelValues("admitted").Inc()
		m.inflight.Inc()
	} else {
		m.admissionTotal.WithLabelValues("rejected").Inc()
	}
}

// RecordRelease records a concurrency token release.
func (m *Metrics) RecordRelease() {
	m.inflight.Dec()
}

// SetPoolSize publishes the instance cache footprint.
func (m *Metrics) SetPoolSize(contexts int, memoryMB int64) {
	m.poolContexts.Set(float64(contexts))
	m.poolMemoryMB.Set(float64(memoryMB))
}

// RecordEviction records a context eviction.
func (m *Metrics) RecordEviction(reason string) {
	m.evictedTotal.WithLabelValues(reason).Inc()
}

// RecordDiscard records a context discarded after a fault.
func (m *Metrics) RecordDiscard() {
	m.discarded.Inc()
}
