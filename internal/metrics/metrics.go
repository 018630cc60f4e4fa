// Package metrics provides Prometheus instrumentation for the Unveil
// realtime server. It exposes gauges for session and presence counts,
// counters for event throughput and rejections, and histograms for delivery
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveSessions tracks the current number of registered live sessions.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unveil_live_sessions",
		Help: "Current number of registered live sessions",
	})

	// ActiveTypers tracks the current number of active typing sessions.
	ActiveTypers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unveil_active_typers",
		Help: "Current number of active typing sessions",
	})

	// QueuedUsers tracks the number of users with pending offline events.
	QueuedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unveil_queued_users",
		Help: "Number of users with pending offline events",
	})

	// EventsTotal counts processed events, labeled by kind: "message",
	// "revelation", "photo_consent", "typing_start", "typing_stop".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unveil_events_total",
		Help: "Total number of client events processed",
	}, []string{"kind"})

	// RejectionsTotal counts rejected events, labeled by reason:
	// "forbidden", "throttled", "invalid", "persistence".
	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unveil_rejections_total",
		Help: "Total number of rejected client events",
	}, []string{"reason"})

	// QueueDrops counts offline-queue overflow drops.
	QueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unveil_queue_drops_total",
		Help: "Total offline-queue events dropped to overflow",
	})

	// SendLatency records message send processing latency in seconds
	// (rate limit through broadcast).
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unveil_send_latency_seconds",
		Help:    "Message send processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SweepDuration records reconciliation sweep duration in seconds.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unveil_sweep_duration_seconds",
		Help:    "Reconciliation sweep duration in seconds",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 5},
	})
)

func init() {
	prometheus.MustRegister(
		LiveSessions,
		ActiveTypers,
		QueuedUsers,
		EventsTotal,
		RejectionsTotal,
		QueueDrops,
		SendLatency,
		SweepDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
