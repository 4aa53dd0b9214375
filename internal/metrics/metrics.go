// Package metrics provides Prometheus instrumentation for the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controller_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Engine roster metrics.
var (
	EnginesAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_engines_alive",
		Help: "Number of engines currently marked alive by the heart monitor.",
	})

	HeartbeatMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_heartbeat_misses_total",
		Help: "Total number of missed heartbeat periods across all engines.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controller_queue_depth",
		Help: "Number of non-terminal requests currently bound to an engine.",
	}, []string{"engine_id"})
)

// Request lifecycle metrics.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_requests_total",
		Help: "Total number of requests reaching a terminal status.",
	}, []string{"status"})

	DependencyTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_dependency_timeouts_total",
		Help: "Total number of tasks that failed with DependencyTimeout.",
	})

	ImpossibleDependenciesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_impossible_dependencies_total",
		Help: "Total number of tasks that failed with ImpossibleDependency.",
	})
)

// Connection metrics.
var (
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controller_connections_active",
		Help: "Number of active persistent connections per channel.",
	}, []string{"channel"})
)
