// Package metrics defines the prometheus collectors of the pipeline and the
// HTTP endpoint exposing them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oceanflow"

// Metrics holds the collectors shared by every role
type Metrics struct {
	Registry *prometheus.Registry

	ReadingsPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	ReadingsReceived  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	BatchesFlushed    *prometheus.CounterVec
	BatchesDropped    *prometheus.CounterVec
	BatchSize         *prometheus.HistogramVec
	BatchesPersisted  *prometheus.CounterVec
	LegacySessions    *prometheus.GaugeVec
	RPCRequests       *prometheus.CounterVec
}

// Reading intake results
const (
	ResultAccepted = "accepted"
	ResultInvalid  = "invalid"
	ResultDropped  = "dropped"
	ResultFailed   = "failed"
)

// New creates the collectors and registers them on a new registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wavy",
				Name:      "readings_published_total",
				Help:      "Readings published by a device",
			},
			[]string{"component", "transport"},
		),

		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "publish_failures_total",
				Help:      "Publications that failed",
			},
			[]string{"component", "exchange"},
		),

		ReadingsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "readings_received_total",
				Help:      "Readings received by an aggregator, by intake result",
			},
			[]string{"component", "result"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "queue_depth",
				Help:      "Items waiting for the next flush",
			},
			[]string{"component", "queue"},
		),

		BatchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "batches_flushed_total",
				Help:      "Batches forwarded to a server",
			},
			[]string{"component", "transport"},
		),

		BatchesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "batches_dropped_total",
				Help:      "Batches dropped after a failed forward",
			},
			[]string{"component", "transport"},
		),

		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "batch_size",
				Help:      "Readings per flushed batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"component"},
		),

		BatchesPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "batches_persisted_total",
				Help:      "Batches handled by a server, by persistence result",
			},
			[]string{"component", "result"},
		),

		LegacySessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "legacy",
				Name:      "sessions",
				Help:      "Open legacy TCP sessions",
			},
			[]string{"component"},
		),

		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "RPC requests served",
			},
			[]string{"component", "action", "status"},
		),
	}

	m.Registry.MustRegister(
		m.ReadingsPublished,
		m.PublishFailures,
		m.ReadingsReceived,
		m.QueueDepth,
		m.BatchesFlushed,
		m.BatchesDropped,
		m.BatchSize,
		m.BatchesPersisted,
		m.LegacySessions,
		m.RPCRequests,
	)
	return m
}

// RegisterDeviceLocks exposes the size of a per-device lock registry
func (m *Metrics) RegisterDeviceLocks(component string, size func() int) error {
	return m.Registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "device_locks",
			Help:        "Entries in the per-device lock registry",
			ConstLabels: prometheus.Labels{"component": component},
		},
		func() float64 { return float64(size()) },
	))
}
