package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Total messages routed",
		},
		[]string{"outcome"}, // "online", "offline", "filtered"
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_retries_total",
			Help: "Total delivery retry attempts",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Total messages that exhausted their retry budget",
		},
	)

	// Offline sync metrics
	OfflineStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_offline_stored_total",
			Help: "Total messages stored for offline recipients",
		},
	)

	SyncSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sync_sessions_total",
			Help: "Total sync sessions by outcome",
		},
		[]string{"outcome"}, // "started", "completed", "timed_out"
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_conflicts_resolved_total",
			Help: "Total conflicts resolved by strategy",
		},
		[]string{"strategy"},
	)

	// Analytics gauges
	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_messages",
			Help: "Messages awaiting sync across all agents",
		},
	)

	OpenConflicts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_open_conflicts",
			Help: "Unresolved conflicts across all agents",
		},
	)

	OnlineAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_online_agents",
			Help: "Agents currently marked online",
		},
	)

	// Infrastructure metrics
	AdapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_storage_latency_seconds",
			Help:    "Storage adapter operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
		[]string{"strategy", "op"},
	)
)
