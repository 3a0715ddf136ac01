// Package metrics exposes Prometheus instrumentation for the forward
// manager and the bridging engines. Nothing in internal/forward or
// internal/manager talks to the prometheus client directly; they all go
// through a *Collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "tunnel"
	subsystem = "forward"
)

// Label names shared across the metric vectors below.
const (
	labelProto = "proto"
	labelPort  = "port"
)

// Collector holds every Prometheus metric the forward engines and
// manager report to.
type Collector struct {
	// BridgesActive tracks the number of currently open Bridges per
	// (proto, port) forward.
	BridgesActive *prometheus.GaugeVec

	// BridgesTotal counts every Bridge ever created per forward.
	BridgesTotal *prometheus.CounterVec

	// BytesTransferred counts bytes copied per forward and direction.
	BytesTransferred *prometheus.CounterVec

	// BridgeErrors counts BridgeError occurrences per forward.
	BridgeErrors *prometheus.CounterVec

	// ProbeAttempts counts client startup probe attempts, labeled by
	// outcome (success/failure), per forward.
	ProbeAttempts *prometheus.CounterVec

	// ProbeDuration observes how long a successful startup probe took.
	ProbeDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.BridgesActive,
		c.BridgesTotal,
		c.BytesTransferred,
		c.BridgeErrors,
		c.ProbeAttempts,
		c.ProbeDuration,
	)

	return c
}

func newMetrics() *Collector {
	forwardLabels := []string{labelProto, labelPort}
	directionLabels := []string{labelProto, labelPort, "direction"}
	outcomeLabels := []string{labelProto, labelPort, "outcome"}

	return &Collector{
		BridgesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridges_active",
			Help:      "Number of currently open bridges for a forward.",
		}, forwardLabels),

		BridgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridges_total",
			Help:      "Total bridges created for a forward.",
		}, forwardLabels),

		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_transferred_total",
			Help:      "Total bytes copied through bridges, per direction.",
		}, directionLabels),

		BridgeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridge_errors_total",
			Help:      "Total bridge errors (peer error, socket error, timeout).",
		}, forwardLabels),

		ProbeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_attempts_total",
			Help:      "Client startup probe attempts, labeled by outcome.",
		}, outcomeLabels),

		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_duration_seconds",
			Help:      "Duration of successful client startup probes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // ~0.1s..~200s
		}, forwardLabels),
	}
}

// BridgeOpened records a new Bridge for (proto, port).
func (c *Collector) BridgeOpened(proto, port string) {
	c.BridgesActive.WithLabelValues(proto, port).Inc()
	c.BridgesTotal.WithLabelValues(proto, port).Inc()
}

// BridgeClosed records a Bridge tearing down for (proto, port).
func (c *Collector) BridgeClosed(proto, port string) {
	c.BridgesActive.WithLabelValues(proto, port).Dec()
}

// BytesMoved records bytes copied in one direction of a Bridge.
func (c *Collector) BytesMoved(proto, port, direction string, n int64) {
	if n <= 0 {
		return
	}
	c.BytesTransferred.WithLabelValues(proto, port, direction).Add(float64(n))
}

// BridgeError records a BridgeError occurrence for (proto, port).
func (c *Collector) BridgeError(proto, port string) {
	c.BridgeErrors.WithLabelValues(proto, port).Inc()
}

// ProbeSucceeded records a successful startup probe and its duration.
func (c *Collector) ProbeSucceeded(proto, port string, seconds float64) {
	c.ProbeAttempts.WithLabelValues(proto, port, "success").Inc()
	c.ProbeDuration.WithLabelValues(proto, port).Observe(seconds)
}

// ProbeFailed records a failed startup probe attempt.
func (c *Collector) ProbeFailed(proto, port string) {
	c.ProbeAttempts.WithLabelValues(proto, port, "failure").Inc()
}
