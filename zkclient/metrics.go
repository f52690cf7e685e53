package zkclient

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	syncRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkcluster",
		Subsystem: "zk",
		Name:      "sync_retries_total",
		Help:      "Total number of synchronous operation retries after connection loss",
	})

	asyncRequeues = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkcluster",
		Subsystem: "zk",
		Name:      "async_requeues_total",
		Help:      "Total number of asynchronous operations re-queued after connection loss",
	})

	connectionLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkcluster",
		Subsystem: "zk",
		Name:      "connection_losses_total",
		Help:      "Total number of terminal session losses",
	})

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkcluster",
		Subsystem: "zk",
		Name:      "state_transitions_total",
		Help:      "Session state transitions by resulting state",
	}, []string{"state"})
)

// registerMetrics registers the package metrics into the default Prometheus
// registry (idempotent).
func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(syncRetries)
		prometheus.MustRegister(asyncRequeues)
		prometheus.MustRegister(connectionLosses)
		prometheus.MustRegister(stateTransitions)
	})
}
