// Package coremetrics instruments the scheduling core, adapted from the
// teacher's pkg/metrics/metrics.go (same var-block-of-collectors-plus-init
// pattern), scoped down to what this core actually observes: lock-table
// occupancy, active deployments, reconciliation latency, and scale traffic.
package coremetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LockedRunSpecs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_locked_run_specs",
			Help: "Number of run spec ids currently held in the lock table",
		},
	)

	ActiveDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_active_deployments",
			Help: "Number of deployment plans currently executing",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_reconcile_duration_seconds",
			Help:    "Time taken to complete a ReconcileTasks cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_instances_killed_total",
			Help: "Total number of instances whose goal was set to Stopped or Decommissioned, by reason",
		},
		[]string{"reason"},
	)

	InstancesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_instances_started_total",
			Help: "Total number of instances requested from the launch queue, by run spec kind",
		},
		[]string{"kind"},
	)

	DeploymentsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_deployments_finished_total",
			Help: "Total number of deployment plans that reached a terminal outcome, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(LockedRunSpecs)
	prometheus.MustRegister(ActiveDeployments)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(InstancesKilled)
	prometheus.MustRegister(InstancesStarted)
	prometheus.MustRegister(DeploymentsFinished)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
