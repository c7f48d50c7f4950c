package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	TripsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Trips created, by car class"},
		[]string{"class"},
	)

	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Direct offers sent to drivers"})

	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Driver accept attempts by outcome"},
		[]string{"outcome"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "escalations_total", Help: "Cascade escalations by target stage"},
		[]string{"stage"},
	)

	CascadeTimers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "cascade_timers", Help: "Live per-trip cascade timers"})

	QuoteMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "quote_multiplier",
		Help:      "Total dynamic multiplier applied to quotes",
		Buckets:   []float64{0.8, 0.9, 1, 1.1, 1.2, 1.3, 1.5, 1.75, 2, 2.5, 3},
	})

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limited_total", Help: "Requests denied by the rate limiter"},
		[]string{"action"},
	)

	RouteFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_fallbacks_total", Help: "Route lookups that fell back to default distance and duration"})

	DriversOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Online approved drivers, by city"},
		[]string{"city"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
