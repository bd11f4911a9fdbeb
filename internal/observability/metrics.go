package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridenow", Name: "trip_phase_transitions_total", Help: "Trip phase transitions by target phase"},
		[]string{"phase"},
	)
	TripsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridenow", Name: "trips_completed_total", Help: "Completed trips by payment status"},
		[]string{"payment_status"},
	)
	ActiveTrips = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridenow", Name: "active_trips", Help: "Number of live trip engines"})

	RouteLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridenow", Name: "route_lookups_total", Help: "Route lookups by outcome"},
		[]string{"outcome"},
	)
	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ridenow", Name: "route_latency_seconds", Help: "Route lookup latency seconds"})

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridenow", Name: "persistence_errors_total", Help: "Trip store failures by operation"},
		[]string{"op"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridenow", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridenow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
