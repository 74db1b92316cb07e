package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kgw_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"mode"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgw_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status", "executed_mode"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgw_rate_limited_total",
			Help: "Total requests denied by the rate limiter",
		},
		[]string{"tier"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kgw_cache_hits_total",
			Help: "Total semantic cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kgw_cache_misses_total",
			Help: "Total semantic cache misses",
		},
	)

	DegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgw_degraded_total",
			Help: "Total responses served in a degraded mode",
		},
		[]string{"reason"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kgw_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)

	ResultCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kgw_result_count",
			Help:    "Number of items returned per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	TrackedItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kgw_tracked_items",
			Help: "Knowledge items known to the decay tracker",
		},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DegradedTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ResultCount)
	prometheus.MustRegister(TrackedItems)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
