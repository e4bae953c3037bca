// Package observability defines the Prometheus collectors exposed at
// /metrics and the helper functions used to record them from the cache,
// upstream, and HTTP layers.
package observability

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func Init(r prometheus.Registerer, isEnabled bool) {
	enabled.Store(isEnabled)
	if !isEnabled || r == nil {
		return
	}
	initCollectors(r)
}

func Enabled() bool { return enabled.Load() }

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	redisOpDurationSeconds *prometheus.HistogramVec
	redisOpTotal           *prometheus.CounterVec

	tileCacheResultTotal *prometheus.CounterVec
	tilesPerRequest      prometheus.Histogram
	cacheStatusTotal     *prometheus.CounterVec

	upstreamLatencySeconds *prometheus.HistogramVec
	upstreamRequestsTotal  *prometheus.CounterVec
	upstreamFailuresTotal  *prometheus.CounterVec
	upstreamCooldownActive *prometheus.GaugeVec
	upstreamQuotaUsed      *prometheus.GaugeVec

	refreshesTotal    *prometheus.CounterVec
	singleFlightWaits *prometheus.CounterVec
	fetchGroupSize    prometheus.Histogram
)

func initCollectors(r prometheus.Registerer) {
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests."},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Duration of HTTP requests in seconds.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 12)},
		[]string{"method", "route", "status"},
	)

	redisOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "redis_operation_duration_seconds", Help: "Latency of Redis operations in seconds.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 15)},
		[]string{"op"},
	)
	redisOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "redis_operation_total", Help: "Count of Redis operations by op and outcome."},
		[]string{"op", "outcome"},
	)

	tileCacheResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tile_cache_result_total", Help: "Per-tile cache lookup outcomes (fresh|stale|missing)."},
		[]string{"result"},
	)
	tilesPerRequest = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "tiles_per_request", Help: "Number of tiles a cacheable request decomposes into.", Buckets: prometheus.ExponentialBuckets(1, 2, 12)},
	)
	cacheStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_status_total", Help: "Responses served by X-Cache outcome (HIT|STALE|MISS)."},
		[]string{"status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "upstream_latency_seconds", Help: "Latency of upstream Overpass calls in seconds.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)},
		[]string{"url"},
	)
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstream_requests_total", Help: "Upstream requests issued by URL and outcome."},
		[]string{"url", "outcome"},
	)
	upstreamFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstream_failures_total", Help: "Upstream failures by URL and reason."},
		[]string{"url", "reason"},
	)
	upstreamCooldownActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "upstream_cooldown_active", Help: "1 if the URL is currently in cooldown, else 0."},
		[]string{"url"},
	)
	upstreamQuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "upstream_quota_used", Help: "Requests counted against the daily quota so far today."},
		[]string{"url"},
	)

	refreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "background_refreshes_total", Help: "Background stale-while-revalidate refreshes by outcome."},
		[]string{"outcome"},
	)
	singleFlightWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "single_flight_waits_total", Help: "Miss-lock outcomes: fetched (this caller fetched), waited (another caller fetched), or error (the fetch failed)."},
		[]string{"outcome"},
	)
	fetchGroupSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "fetch_group_tile_count", Help: "Number of fine tiles grouped into a single upstream fetch.", Buckets: prometheus.ExponentialBuckets(1, 2, 10)},
	)

	r.MustRegister(
		httpRequestsTotal, httpRequestDurationSeconds,
		redisOpDurationSeconds, redisOpTotal,
		tileCacheResultTotal, tilesPerRequest, cacheStatusTotal,
		upstreamLatencySeconds, upstreamRequestsTotal, upstreamFailuresTotal,
		upstreamCooldownActive, upstreamQuotaUsed,
		refreshesTotal, singleFlightWaits, fetchGroupSize,
	)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() || httpRequestsTotal == nil {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveRedisOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "ok"
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case errors.Is(err, context.Canceled):
			outcome = "canceled"
		default:
			outcome = "error"
		}
	}
	if redisOpTotal != nil {
		redisOpTotal.WithLabelValues(op, outcome).Inc()
	}
	if redisOpDurationSeconds != nil {
		redisOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
	}
}

func IncTileCacheResult(result string) {
	if !enabled.Load() || tileCacheResultTotal == nil {
		return
	}
	tileCacheResultTotal.WithLabelValues(result).Inc()
}

func ObserveTilesPerRequest(n int) {
	if !enabled.Load() || tilesPerRequest == nil {
		return
	}
	tilesPerRequest.Observe(float64(n))
}

func IncCacheStatus(status string) {
	if !enabled.Load() || cacheStatusTotal == nil {
		return
	}
	cacheStatusTotal.WithLabelValues(status).Inc()
}

func ObserveUpstreamLatency(url string, durationSeconds float64) {
	if !enabled.Load() || upstreamLatencySeconds == nil {
		return
	}
	upstreamLatencySeconds.WithLabelValues(url).Observe(durationSeconds)
}

func IncUpstreamRequest(url, outcome string) {
	if !enabled.Load() || upstreamRequestsTotal == nil {
		return
	}
	upstreamRequestsTotal.WithLabelValues(url, outcome).Inc()
}

func IncUpstreamFailure(url, reason string) {
	if !enabled.Load() || upstreamFailuresTotal == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	upstreamFailuresTotal.WithLabelValues(url, reason).Inc()
}

func SetUpstreamCooldown(url string, active bool) {
	if !enabled.Load() || upstreamCooldownActive == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	upstreamCooldownActive.WithLabelValues(url).Set(v)
}

func SetUpstreamQuotaUsed(url string, n int) {
	if !enabled.Load() || upstreamQuotaUsed == nil {
		return
	}
	upstreamQuotaUsed.WithLabelValues(url).Set(float64(n))
}

func IncRefresh(outcome string) {
	if !enabled.Load() || refreshesTotal == nil {
		return
	}
	refreshesTotal.WithLabelValues(outcome).Inc()
}

func IncSingleFlightWait(outcome string) {
	if !enabled.Load() || singleFlightWaits == nil {
		return
	}
	singleFlightWaits.WithLabelValues(outcome).Inc()
}

func ObserveFetchGroupSize(n int) {
	if !enabled.Load() || fetchGroupSize == nil {
		return
	}
	fetchGroupSize.Observe(float64(n))
}
