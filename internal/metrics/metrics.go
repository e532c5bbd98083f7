// Package metrics exposes the conductor's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProvisionTransitions counts state machine transitions by verb and
	// outcome ("success", "failure", "aborted").
	ProvisionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_provision_transitions_total",
		Help: "Provisioning state transitions processed, by verb and outcome.",
	}, []string{"verb", "outcome"})

	// LeaseConflicts counts fail-fast rejections of operations against
	// nodes whose lease is already held.
	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_lease_conflicts_total",
		Help: "Operations rejected because the node's lease was held.",
	})

	// LeasesReclaimed counts stale leases reclaimed from crashed
	// holders.
	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_leases_reclaimed_total",
		Help: "Stale node leases reclaimed from dead holders.",
	})

	// TasksInFlight tracks background operations currently holding a
	// node lease.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_tasks_in_flight",
		Help: "Background node operations currently executing.",
	})

	// DriverRetries counts retried transient driver-call failures, by
	// driver name.
	DriverRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_driver_retries_total",
		Help: "Transient driver call failures that were retried.",
	}, []string{"driver"})
)
