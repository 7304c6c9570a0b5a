package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"upstream"},
	)

	upstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Failed upstream calls by kind.",
		},
		[]string{"upstream", "kind"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_store_op_duration_seconds",
			Help:    "Cache store operation latency by op and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "outcome"},
	)

	sweptRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_swept_rows_total",
		Help: "Expired cache rows removed by sweeps.",
	})

	putFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_put_failures_total",
		Help: "Cache writes that failed after a successful fetch.",
	})

	missLockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_miss_lock_wait_seconds",
			Help:    "Time spent waiting for the per-bucket miss lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"mode"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Invalidation events by result.",
		},
		[]string{"result"},
	)

	invalidatedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_invalidated_rows_total",
		Help: "Cache rows removed by invalidation events.",
	})

	kafkaConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by stage.",
		},
		[]string{"stage"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

// ObserveUpstreamError counts a failed upstream call; kind is one of
// "status", "decode" or "timeout".
func ObserveUpstreamError(upstream, kind string) {
	upstreamErrorsTotal.WithLabelValues(upstream, kind).Inc()
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpDuration.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func AddSweptRows(n int64) {
	if n > 0 {
		sweptRowsTotal.Add(float64(n))
	}
}

func IncStorePutFailure() { putFailuresTotal.Inc() }

func ObserveMissLockWait(mode string, durationSeconds float64) {
	missLockWaitSeconds.WithLabelValues(mode).Observe(durationSeconds)
}

// ObserveInvalidation records one processed event. result is "applied",
// "duplicate" or "error".
func ObserveInvalidation(result string, rows int64) {
	invalidationsTotal.WithLabelValues(result).Inc()
	if rows > 0 {
		invalidatedRowsTotal.Add(float64(rows))
	}
}

func IncKafkaConsumerError(stage string) {
	kafkaConsumerErrors.WithLabelValues(stage).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
