// Package metrics exposes Prometheus collectors for the fetch engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal      *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	proxyPoolSize           prometheus.Gauge
	proxyUnavailableTotal   *prometheus.CounterVec
	breakerTransitionsTotal *prometheus.CounterVec
	cacheHitsTotal          prometheus.Counter
	cacheMissesTotal        prometheus.Counter
	rateLimitDelaySeconds   *prometheus.HistogramVec
	captchaSolvesTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Fetch attempts, labeled by domain, strategy and classification.",
			},
			[]string{"domain", "strategy", "classification"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "Attempt latency by strategy.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"strategy"},
		)
		proxyPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_pool_size",
			Help: "Current number of proxies in the pool.",
		})
		proxyUnavailableTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_unavailable_total",
				Help: "Acquisitions that found no eligible proxy, by domain.",
			},
			[]string{"domain"},
		)
		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_transitions_total",
				Help: "Circuit breaker state transitions, by domain and new state.",
			},
			[]string{"domain", "state"},
		)
		cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "result_cache_hits_total",
			Help: "Result cache hits.",
		})
		cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "result_cache_misses_total",
			Help: "Result cache misses, including expired reads.",
		})
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-domain rate limiter.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"domain"},
		)
		captchaSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_solves_total",
				Help: "Captcha collaborator round trips, by result.",
			},
			[]string{"result"},
		)
	})
}

// ObserveAttempt records one classified fetch attempt.
func ObserveAttempt(domain, strategy, classification string, latency time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(domain, strategy, classification).Inc()
	fetchDurationSeconds.WithLabelValues(strategy).Observe(latency.Seconds())
}

// SetProxyPoolSize publishes the pool size gauge.
func SetProxyPoolSize(n int) {
	Init()
	proxyPoolSize.Set(float64(n))
}

// ObserveProxyUnavailable counts a failed acquisition for domain.
func ObserveProxyUnavailable(domain string) {
	Init()
	proxyUnavailableTotal.WithLabelValues(domain).Inc()
}

// ObserveBreakerTransition counts a circuit state change.
func ObserveBreakerTransition(domain, state string) {
	Init()
	breakerTransitionsTotal.WithLabelValues(domain, state).Inc()
}

// ObserveCacheHit counts a cache hit.
func ObserveCacheHit() {
	Init()
	cacheHitsTotal.Inc()
}

// ObserveCacheMiss counts a cache miss.
func ObserveCacheMiss() {
	Init()
	cacheMissesTotal.Inc()
}

// ObserveRateLimitDelay records the wait imposed on a request.
func ObserveRateLimitDelay(domain string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// ObserveCaptchaSolve counts one collaborator cycle ("solved" or "failed").
func ObserveCaptchaSolve(result string) {
	Init()
	captchaSolvesTotal.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
