// Package metrics exposes the master's Prometheus instrumentation: a
// connected-node gauge and counters/histograms for the dispatcher and
// health monitor's periodic ticks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the master registers. Construct one with
// New and thread it through the components that report to it.
type Metrics struct {
	ConnectedNodes       prometheus.Gauge
	JobsDispatchedTotal  prometheus.Counter
	JobsAssignRaceTotal  prometheus.Counter
	DispatchTickDuration prometheus.Histogram
	HealthTickDuration   prometheus.Histogram
	NodesReapedTotal     prometheus.Counter
}

// New registers and returns the master's collectors against reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "master",
			Name:      "connected_nodes",
			Help:      "Number of nodes currently connected to the node channel.",
		}),
		JobsDispatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "master",
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs successfully assigned to a node.",
		}),
		JobsAssignRaceTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "master",
			Name:      "jobs_assign_race_total",
			Help:      "Total number of AssignJob calls that lost the conditional-update race.",
		}),
		DispatchTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "master",
			Name:      "dispatch_tick_duration_seconds",
			Help:      "Duration of a single dispatcher tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		HealthTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "master",
			Name:      "health_tick_duration_seconds",
			Help:      "Duration of a single health monitor tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		NodesReapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "master",
			Name:      "nodes_reaped_total",
			Help:      "Total number of nodes marked OFFLINE after their node channel connection closed.",
		}),
	}
}

// Handler returns the /metrics HTTP exposition handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
