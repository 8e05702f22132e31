// Package metrics exposes broker counters. The counters are a best-effort
// observability aid and never participate in correctness decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors.
type Metrics struct {
	TasksCreated prometheus.Counter
	TasksDone    prometheus.Counter
	TasksFail    prometheus.Counter
	QueueDepth   prometheus.Gauge
}

// New registers the broker collectors on a registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskhub",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted by create.",
		}),
		TasksDone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskhub",
			Name:      "tasks_done_total",
			Help:      "Tasks that reached DONE.",
		}),
		TasksFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskhub",
			Name:      "tasks_fail_total",
			Help:      "Result submissions that reported FAIL.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskhub",
			Name:      "queue_depth",
			Help:      "Approximate count of tasks awaiting completion.",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
