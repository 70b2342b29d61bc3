// Package metrics exposes Prometheus collectors for the engine, the
// embedding pool and the HTTP transport. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the engram metrics.
type Collector struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	embedRequests *prometheus.CounterVec
	embedDuration prometheus.Histogram
	embedInFlight prometheus.Gauge
	embedCache    *prometheus.CounterVec

	importanceRecomputes prometheus.Counter
	importanceDelta      prometheus.Histogram
	sweepTransitions     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and result kind",
		}, []string{"op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		embedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding provider calls by outcome",
		}, []string{"model", "status"}),
		embedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Embedding provider call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		embedInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "embedding_in_flight",
			Help:      "Embedding provider calls currently in flight",
		}),
		embedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result",
		}, []string{"result"}),

		importanceRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "importance_recomputes_total",
			Help:      "Importance recomputations",
		}),
		importanceDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "importance_delta",
			Help:      "Change in importance per recomputation",
			Buckets:   []float64{-0.5, -0.2, -0.1, -0.05, -0.01, 0, 0.01, 0.05, 0.1, 0.2, 0.5},
		}),
		sweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_transitions_total",
			Help:      "State transitions and recomputations performed by the sweep",
		}, []string{"kind"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.operations, c.operationDuration,
			c.embedRequests, c.embedDuration, c.embedInFlight, c.embedCache,
			c.importanceRecomputes, c.importanceDelta, c.sweepTransitions,
			c.httpRequests, c.httpDuration,
		)
	}
	return c
}

// RecordOperation counts an engine operation and observes its latency.
func (c *Collector) RecordOperation(op, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordEmbedding counts a provider call.
func (c *Collector) RecordEmbedding(model, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.embedRequests.WithLabelValues(model, status).Inc()
	c.embedDuration.Observe(d.Seconds())
}

// EmbeddingStarted and EmbeddingDone track in-flight provider calls.
func (c *Collector) EmbeddingStarted() {
	if c == nil {
		return
	}
	c.embedInFlight.Inc()
}

func (c *Collector) EmbeddingDone() {
	if c == nil {
		return
	}
	c.embedInFlight.Dec()
}

// RecordCache counts an embedding cache lookup ("hit", "miss" or "error").
func (c *Collector) RecordCache(result string) {
	if c == nil {
		return
	}
	c.embedCache.WithLabelValues(result).Inc()
}

// RecordImportance observes one recomputation and its delta.
func (c *Collector) RecordImportance(delta float64) {
	if c == nil {
		return
	}
	c.importanceRecomputes.Inc()
	c.importanceDelta.Observe(delta)
}

// RecordSweep counts sweep work by kind ("recomputed", "stale", "failed").
func (c *Collector) RecordSweep(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sweepTransitions.WithLabelValues(kind).Add(float64(n))
}

// RecordHTTP counts an HTTP request.
func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
