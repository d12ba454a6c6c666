package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pool health for the /metrics endpoint.
type Metrics struct {
	Instances     prometheus.Gauge
	Attached      prometheus.Gauge
	Creations     prometheus.Counter
	Evictions     prometheus.Counter
	Destroys      prometheus.Counter
	SpawnFailures prometheus.Counter
	Exits         prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Instances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quill_terminal_instances",
			Help: "Live terminal instances in the pool.",
		}),
		Attached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quill_terminal_attached",
			Help: "Instances currently attached to a mount point.",
		}),
		Creations: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_terminal_creations_total",
			Help: "Terminal instances created.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_terminal_evictions_total",
			Help: "Instances evicted under capacity pressure.",
		}),
		Destroys: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_terminal_destroys_total",
			Help: "Instances destroyed on request.",
		}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_terminal_spawn_failures_total",
			Help: "Process spawns that failed or timed out.",
		}),
		Exits: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_terminal_exits_total",
			Help: "Processes that exited on their own or after kill.",
		}),
	}
}

// nopMetrics keeps the manager's hot paths unconditional.
func nopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
