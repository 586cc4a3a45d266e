// Package metrics exposes Prometheus metrics for the scanner. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry and the metrics registered on it.
type Collector struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	activeOperations prometheus.Gauge
	chunks           prometheus.Counter
	chunkBytes       prometheus.Counter
	pauses           prometheus.Counter
	decisions        *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
}

// NewCollector registers all metrics on registry, or on a new registry if
// registry is nil.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "uploadguard"
	}

	c := &Collector{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "operations_total",
			Help:      "Streaming operations by lifecycle event",
		}, []string{"event"}),
		activeOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_operations",
			Help:      "Streaming operations currently live",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Chunks accepted",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunk_bytes_total",
			Help:      "Bytes accepted in chunks",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "backpressure_pauses_total",
			Help:      "Chunk responses that asked the caller to pause",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "decisions_total",
			Help:      "Analysis results by decision",
		}, []string{"decision", "path"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "Time spent producing an analysis result",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"path"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "errors_total",
			Help:      "Classified errors by type and selected strategy",
		}, []string{"type", "strategy"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "outcomes_total",
			Help:      "Recovery outcomes of failed calls",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		c.operations,
		c.activeOperations,
		c.chunks,
		c.chunkBytes,
		c.pauses,
		c.decisions,
		c.analysisDuration,
		c.errors,
		c.recoveries,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// OperationEvent counts a lifecycle event: started, finalized, failed, swept.
func (c *Collector) OperationEvent(event string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(event).Inc()
}

// SetActiveOperations records the size of the live set.
func (c *Collector) SetActiveOperations(n int) {
	if c == nil {
		return
	}
	c.activeOperations.Set(float64(n))
}

// ChunkAccepted counts one accepted chunk.
func (c *Collector) ChunkAccepted(bytes int, paused bool) {
	if c == nil {
		return
	}
	c.chunks.Inc()
	c.chunkBytes.Add(float64(bytes))
	if paused {
		c.pauses.Inc()
	}
}

// AnalysisCompleted records a finished analysis on path (stream or file).
func (c *Collector) AnalysisCompleted(path, decision string, d time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(decision, path).Inc()
	c.analysisDuration.WithLabelValues(path).Observe(d.Seconds())
}

// ErrorClassified counts one classified error.
func (c *Collector) ErrorClassified(errType, strategy string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(errType, strategy).Inc()
}

// RecoveryOutcome counts how a failed call ended: retried, fallback,
// ignored, aborted, exhausted.
func (c *Collector) RecoveryOutcome(outcome string) {
	if c == nil {
		return
	}
	c.recoveries.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
