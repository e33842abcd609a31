// Package metrics provides Prometheus metrics for the order task system.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ordertask"

var (
	// Host calls
	HostCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_calls_total",
			Help:      "Host calls issued by the call executor",
		},
		[]string{"family", "outcome"},
	)

	HostCallLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "host_call_latency_seconds",
			Help:      "Synchronous host call latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	// Event gateway
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Order events received from the host stream",
		},
		[]string{"kind"},
	)

	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Order events delivered to a pending registration",
		},
		[]string{"family"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Order events dropped by the gateway",
			// reason: unmatched, subscriber_full, registration_full
		},
		[]string{"reason"},
	)

	PendingRegistrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_registrations",
			Help:      "Live pending registrations in the gateway",
		},
	)

	GatewayRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_running",
			Help:      "Event gateway running (1) or stopped (0)",
		},
	)

	// Tasks
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Calls re-issued after a reject event",
		},
		[]string{"family"},
	)

	TaskOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Finished tasks by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task duration from issue to resolution",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation"},
	)

	// Connectivity
	HostConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_connected",
			Help:      "Host connection status (1 = connected)",
		},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by type",
		},
		[]string{"type"},
	)

	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)
)

// SetBuildInfo sets the build information metric.
func SetBuildInfo(version, commit, buildDate string) {
	BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
