// Package metric provides Prometheus metrics for the WoN node.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all node-level metrics (not component-specific)
type Metrics struct {
	// Message pipeline metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesReplayed   *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	HopFailures        *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	// Connection metrics
	ConnectionsByState *prometheus.GaugeVec
	StateTransitions   *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all node metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received per inbound channel",
			},
			[]string{"channel", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"channel", "type", "status"},
		),

		MessagesReplayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "messages",
				Name:      "replayed_total",
				Help:      "Total number of duplicate messages answered from the ledger",
			},
			[]string{"channel"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "won",
				Subsystem: "pipeline",
				Name:      "duration_seconds",
				Help:      "Time spent processing a message end to end",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"channel", "type"},
		),

		HopFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "pipeline",
				Name:      "hop_failures_total",
				Help:      "Total number of post-commit hop delivery failures",
			},
			[]string{"hop"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "pipeline",
				Name:      "errors_total",
				Help:      "Total number of errors by class",
			},
			[]string{"channel", "class"},
		),

		ConnectionsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "won",
				Subsystem: "connections",
				Name:      "by_state",
				Help:      "Number of connections per state",
			},
			[]string{"state"},
		),

		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "connections",
				Name:      "transitions_total",
				Help:      "Total number of connection state transitions",
			},
			[]string{"from", "to"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "won",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "won",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnects",
			},
		),
	}
}

// collectors returns all core metrics for registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesProcessed,
		m.MessagesReplayed,
		m.ProcessingDuration,
		m.HopFailures,
		m.ErrorsTotal,
		m.ConnectionsByState,
		m.StateTransitions,
		m.NATSConnected,
		m.NATSReconnects,
	}
}
