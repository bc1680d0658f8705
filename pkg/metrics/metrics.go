// Package metrics exposes Prometheus collectors for the sync engine, the
// cache gateway and the edge cache worker.
//
// Every method is safe on a nil *Collector, so components can run without
// metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the module.
type Collector struct {
	registry *prometheus.Registry

	// Write path
	QueueDepth     prometheus.Gauge
	OpsEnqueued    prometheus.Counter
	OpsReplayed    prometheus.Counter
	OpsExpired     prometheus.Counter
	OpsFailed      prometheus.Counter
	MutateOutcomes *prometheus.CounterVec

	// Read path
	GatewayReads *prometheus.CounterVec

	// Edge worker
	EdgeRequests *prometheus.CounterVec
}

// NewCollector creates collectors registered on a private registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Operations waiting in the persisted write queue",
		}),
		OpsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_ops_enqueued_total",
			Help:      "Write intents queued for later replay",
		}),
		OpsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_ops_replayed_total",
			Help:      "Queued operations successfully replayed",
		}),
		OpsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_ops_expired_total",
			Help:      "Queued operations dropped after the retention window",
		}),
		OpsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_replay_failures_total",
			Help:      "Replay attempts that failed and were kept for the next drain",
		}),
		MutateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_mutations_total",
			Help:      "Write intents by outcome",
		}, []string{"outcome"}),
		GatewayReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_reads_total",
			Help:      "Read intents by the source that served them",
		}, []string{"source"}),
		EdgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_requests_total",
			Help:      "Requests intercepted by the edge worker",
		}, []string{"strategy", "outcome"}),
	}

	registry.MustRegister(
		c.QueueDepth,
		c.OpsEnqueued,
		c.OpsReplayed,
		c.OpsExpired,
		c.OpsFailed,
		c.MutateOutcomes,
		c.GatewayReads,
		c.EdgeRequests,
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

func (c *Collector) Enqueued() {
	if c == nil {
		return
	}
	c.OpsEnqueued.Inc()
}

// Drained records the outcome of one drain cycle.
func (c *Collector) Drained(replayed, expired, failed int) {
	if c == nil {
		return
	}
	c.OpsReplayed.Add(float64(replayed))
	c.OpsExpired.Add(float64(expired))
	c.OpsFailed.Add(float64(failed))
}

func (c *Collector) Mutation(outcome string) {
	if c == nil {
		return
	}
	c.MutateOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) Read(source string) {
	if c == nil {
		return
	}
	c.GatewayReads.WithLabelValues(source).Inc()
}

func (c *Collector) Edge(strategy, outcome string) {
	if c == nil {
		return
	}
	c.EdgeRequests.WithLabelValues(strategy, outcome).Inc()
}
