package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Presence metrics
var (
	PresenceCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oriole_presence_cache_hits_total",
			Help: "Total number of offline-presence cache hits",
		},
	)

	PresenceCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oriole_presence_cache_misses_total",
			Help: "Total number of offline-presence cache misses",
		},
	)

	PresenceStoreLoads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oriole_presence_store_loads_total",
			Help: "Total number of offline-presence loads issued to the database",
		},
	)

	PresenceProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriole_presence_probes_total",
			Help: "Total number of presence probes handled",
		},
		[]string{"result"},
	)
)

// Session metrics
var (
	SessionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oriole_sessions_current",
			Help: "Current number of local client sessions",
		},
	)

	StanzasDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriole_stanzas_delivered_total",
			Help: "Total number of stanzas handed to the deliverer",
		},
		[]string{"result"},
	)
)

// Authentication metrics
var (
	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriole_authentication_attempts_total",
			Help: "Total number of SASL authentication attempts",
		},
		[]string{"mechanism", "result"},
	)
)

// Cluster metrics
var (
	ClusterMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oriole_cluster_members",
			Help: "Current number of nodes in the cluster",
		},
	)

	ClusterNodeCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oriole_cluster_node_cleanups_total",
			Help: "Total number of departed-node cleanups performed by this node",
		},
	)

	ClusterCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriole_cluster_cache_events_total",
			Help: "Total number of replicated cache entry events processed",
		},
		[]string{"cache", "event"},
	)
)
