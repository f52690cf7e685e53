package discovery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	clusterSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zkcluster",
		Subsystem: "discovery",
		Name:      "cluster_size",
		Help:      "Number of nodes in the local topology view",
	})

	topologyVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zkcluster",
		Subsystem: "discovery",
		Name:      "topology_version",
		Help:      "Latest topology version observed by the local node",
	})

	isCoordinator = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zkcluster",
		Subsystem: "discovery",
		Name:      "is_coordinator",
		Help:      "1 if the local node is the discovery coordinator, else 0",
	})

	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkcluster",
		Subsystem: "discovery",
		Name:      "events_processed_total",
		Help:      "Discovery events processed by the local node, by type",
	}, []string{"type"})

	customMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkcluster",
		Subsystem: "discovery",
		Name:      "custom_messages_sent_total",
		Help:      "Custom messages published by the local node",
	})
)

// registerMetrics registers the package metrics into the default Prometheus
// registry (idempotent).
func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(clusterSize)
		prometheus.MustRegister(topologyVersion)
		prometheus.MustRegister(isCoordinator)
		prometheus.MustRegister(eventsProcessed)
		prometheus.MustRegister(customMessagesSent)
	})
}
