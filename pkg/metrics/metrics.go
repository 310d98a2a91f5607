// Package metrics defines the Prometheus metric collectors used by the
// synchronization pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	NotificationsTotal   *prometheus.CounterVec
	IndexWritesTotal     *prometheus.CounterVec
	IndexWriteLatency    *prometheus.HistogramVec
	DrainMessagesTotal   *prometheus.CounterVec
	DrainCyclesTotal     *prometheus.CounterVec
	ReindexEnqueuedTotal prometheus.Counter
	ReindexRunsTotal     *prometheus.CounterVec
	RetryQueueDepth      prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates all collectors and registers them with reg. Passing nil
// registers with the global Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_notifications_total",
				Help: "Change notifications handled on the primary path, by outcome.",
			},
			[]string{"outcome"},
		),
		IndexWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_index_writes_total",
				Help: "Search engine writes by operation (upsert, delete) and result.",
			},
			[]string{"op", "result"},
		),
		IndexWriteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_index_write_duration_seconds",
				Help:    "Search engine write latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		),
		DrainMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_drain_messages_total",
				Help: "Retry queue messages replayed by the drainer, by outcome.",
			},
			[]string{"outcome"},
		),
		DrainCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_drain_cycles_total",
				Help: "Drain cycles by terminal state.",
			},
			[]string{"state"},
		),
		ReindexEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_reindex_enqueued_total",
				Help: "Synthetic change events enqueued by reindex runs.",
			},
		),
		ReindexRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_reindex_runs_total",
				Help: "Reindex invocations by terminal state.",
			},
			[]string{"state"},
		),
		RetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_retry_queue_depth",
				Help: "Messages held in the retry queue at the last drain cycle.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "HTTP requests currently being served.",
			},
		),
	}

	reg.MustRegister(
		m.NotificationsTotal,
		m.IndexWritesTotal,
		m.IndexWriteLatency,
		m.DrainMessagesTotal,
		m.DrainCyclesTotal,
		m.ReindexEnqueuedTotal,
		m.ReindexRunsTotal,
		m.RetryQueueDepth,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)

	return m
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IndexWrite(op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.IndexWritesTotal.WithLabelValues(op, result).Inc()
	m.IndexWriteLatency.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) DrainMessage(outcome string) {
	if m == nil {
		return
	}
	m.DrainMessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DrainCycle(state string) {
	if m == nil {
		return
	}
	m.DrainCyclesTotal.WithLabelValues(state).Inc()
}

// ReindexEnqueued is unlabelled; per-collection progress goes to the run log.
func (m *Metrics) ReindexEnqueued(n int) {
	if m == nil {
		return
	}
	m.ReindexEnqueuedTotal.Add(float64(n))
}

func (m *Metrics) ReindexRun(state string) {
	if m == nil {
		return
	}
	m.ReindexRunsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) QueueDepth(n int64) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
