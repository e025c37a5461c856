// Package metrics implements the per-pipe counters and gauges spec.md §6
// names under the Fusion management API ("/management/stats: per-pipe
// events_received/processed/errors"). Grounded on the teacher's
// internal/metrics/collector.go: a prometheus.Registry wrapping CounterVec/
// GaugeVec metrics, labeled and incremented as operations happen. The HTTP
// exposition the teacher's collector bundles (its own http.Server and
// promhttp handler) is dropped here: spec.md §1 treats the HTTP transport
// as an external collaborator, so this package stops at exposing its
// Registry for whatever binding wires it to a scrape endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config names the Prometheus registration namespace/subsystem this
// collector's metrics are registered under.
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig returns the fustor namespace with no subsystem.
func DefaultConfig() *Config {
	return &Config{Namespace: "fustor"}
}

// Collector tracks per-pipe event counters and queue-depth gauges. The
// underlying CounterVec/GaugeVec metrics are already safe for concurrent
// use, so Collector itself needs no lock of its own.
type Collector struct {
	registry *prometheus.Registry

	eventsReceived  *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	eventErrors     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers its metrics with a fresh
// prometheus.Registry.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "pipe_events_received_total",
		Help:      "Events received by a pipe, before queueing.",
	}, []string{"pipe_id"})

	c.eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "pipe_events_processed_total",
		Help:      "Events applied to the view tree by a pipe.",
	}, []string{"pipe_id"})

	c.eventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "pipe_errors_total",
		Help:      "Errors encountered while processing events for a pipe.",
	}, []string{"pipe_id"})

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "pipe_queue_depth",
		Help:      "Current depth of a pipe's ingest queue.",
	}, []string{"pipe_id"})

	for _, m := range []prometheus.Collector{c.eventsReceived, c.eventsProcessed, c.eventErrors, c.queueDepth} {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry returns the underlying prometheus.Registry, for a caller that
// wires a scrape endpoint (an external transport concern, not this
// package's).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordReceived increments pipeID's received-event counter.
func (c *Collector) RecordReceived(pipeID string, n int) {
	c.eventsReceived.WithLabelValues(pipeID).Add(float64(n))
}

// RecordProcessed increments pipeID's processed-event counter.
func (c *Collector) RecordProcessed(pipeID string, n int) {
	c.eventsProcessed.WithLabelValues(pipeID).Add(float64(n))
}

// RecordError increments pipeID's error counter.
func (c *Collector) RecordError(pipeID string) {
	c.eventErrors.WithLabelValues(pipeID).Inc()
}

// SetQueueDepth sets pipeID's current queue-depth gauge.
func (c *Collector) SetQueueDepth(pipeID string, depth int) {
	c.queueDepth.WithLabelValues(pipeID).Set(float64(depth))
}
