// Package metrics exposes Prometheus instrumentation for the queue core.
// All Collector methods are nil-safe so instrumented packages can run
// without a collector (e.g. in tests).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the strand metric set on a private registry.
type Collector struct {
	registry *prometheus.Registry

	enqueued  prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter

	queued        prometheus.Gauge
	processing    prometheus.Gauge
	activeThreads prometheus.Gauge

	processingDuration prometheus.Histogram
}

// NewCollector creates and registers the metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_messages_enqueued_total",
			Help: "Total number of messages accepted into the queue.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_messages_completed_total",
			Help: "Total number of messages processed successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_messages_failed_total",
			Help: "Total number of messages that ended in failure.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_messages_cancelled_total",
			Help: "Total number of messages cancelled while queued.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_messages_queued",
			Help: "Messages currently waiting in a thread queue.",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_messages_processing",
			Help: "Messages currently being processed.",
		}),
		activeThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_threads_active",
			Help: "Threads that currently have queued messages.",
		}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "strand_processing_duration_seconds",
			Help:    "Wall-clock duration from dequeue to terminal state.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	c.registry.MustRegister(
		c.enqueued, c.completed, c.failed, c.cancelled,
		c.queued, c.processing, c.activeThreads,
		c.processingDuration,
	)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) MessageEnqueued() {
	if c == nil {
		return
	}
	c.enqueued.Inc()
	c.queued.Inc()
}

func (c *Collector) MessageDequeued() {
	if c == nil {
		return
	}
	c.queued.Dec()
	c.processing.Inc()
}

func (c *Collector) MessageCompleted(seconds float64) {
	if c == nil {
		return
	}
	c.processing.Dec()
	c.completed.Inc()
	c.processingDuration.Observe(seconds)
}

func (c *Collector) MessageFailed(seconds float64) {
	if c == nil {
		return
	}
	c.processing.Dec()
	c.failed.Inc()
	c.processingDuration.Observe(seconds)
}

func (c *Collector) MessageCancelled() {
	if c == nil {
		return
	}
	c.queued.Dec()
	c.cancelled.Inc()
}

func (c *Collector) SetActiveThreads(n int) {
	if c == nil {
		return
	}
	c.activeThreads.Set(float64(n))
}
