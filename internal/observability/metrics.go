package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Rides created, by vehicle class"},
		[]string{"vehicle_class"},
	)
	MatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_failures_total", Help: "Ride requests that did not produce a ride, by error code"},
		[]string{"code"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Applied ride status transitions"},
		[]string{"from", "to"},
	)
	TransitionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transition_rejections_total", Help: "Rejected ride status transitions, by error code"},
		[]string{"code"},
	)
	RidesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_expired_total", Help: "Pending rides auto-cancelled after the pending timeout"})
	ReleaseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "release_failures_total", Help: "Driver releases that failed after a terminal transition"})

	DriverStatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "driver_status_changes_total", Help: "Driver online/offline requests"},
		[]string{"online"},
	)
	EventPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "event_publish_errors_total", Help: "Ride events that could not be published"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
