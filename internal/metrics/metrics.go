package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Credential pool metrics
	credentialAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelforge_credential_acquire_total",
			Help: "Credential acquisitions by provider and outcome",
		},
		[]string{"provider", "outcome"}, // outcome: "least_used", "round_robin", "exhausted", "no_keys"
	)

	credentialsQuarantined = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reelforge_credentials_quarantined",
			Help: "Number of quarantined credentials by provider",
		},
		[]string{"provider"},
	)

	// Throttle metrics
	throttleDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reelforge_throttle_delay_seconds",
			Help: "Current inter-request delay by provider",
		},
		[]string{"provider"},
	)

	throttleWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelforge_throttle_wait_duration_seconds",
			Help:    "Time spent waiting on the adaptive throttle by provider",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 17), // 1ms to ~65s
		},
		[]string{"provider"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelforge_rate_limit_hits_total",
			Help: "Rate-limit responses by provider",
		},
		[]string{"provider"},
	)

	// Provider call metrics
	providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelforge_provider_call_duration_seconds",
			Help:    "Provider call duration by provider and result kind",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"provider", "result"},
	)

	// Cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelforge_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "expired", "remote_hit"
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelforge_cache_entries",
			Help: "Entries currently held by the in-memory response cache",
		},
	)

	// Pipeline metrics
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelforge_step_duration_seconds",
			Help:    "Pipeline step duration by step and status",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"step", "status"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelforge_runs_total",
			Help: "Pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelforge_active_runs",
			Help: "Pipeline runs currently executing",
		},
	)
)

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordAcquire counts a credential acquisition outcome
func (c *Collector) RecordAcquire(provider, outcome string) {
	if c == nil {
		return
	}
	credentialAcquisitions.WithLabelValues(provider, outcome).Inc()
}

// SetQuarantined sets the number of quarantined keys for a provider
func (c *Collector) SetQuarantined(provider string, count int) {
	if c == nil {
		return
	}
	credentialsQuarantined.WithLabelValues(provider).Set(float64(count))
}

// SetThrottleDelay records the current throttle delay
func (c *Collector) SetThrottleDelay(provider string, delay time.Duration) {
	if c == nil {
		return
	}
	throttleDelay.WithLabelValues(provider).Set(delay.Seconds())
}

// RecordThrottleWait records time spent blocked in the throttle
func (c *Collector) RecordThrottleWait(provider string, d time.Duration) {
	if c == nil {
		return
	}
	throttleWaitDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// IncRateLimit counts a rate-limit response
func (c *Collector) IncRateLimit(provider string) {
	if c == nil {
		return
	}
	rateLimitHits.WithLabelValues(provider).Inc()
}

// RecordProviderCall records a provider call duration
func (c *Collector) RecordProviderCall(provider, result string, d time.Duration) {
	if c == nil {
		return
	}
	providerCallDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

// RecordCacheLookup counts a cache lookup
func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the in-memory cache size
func (c *Collector) SetCacheEntries(n int) {
	if c == nil {
		return
	}
	cacheEntries.Set(float64(n))
}

// RecordStep records a step duration
func (c *Collector) RecordStep(step, status string, d time.Duration) {
	if c == nil {
		return
	}
	stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// RunStarted increments the active run gauge
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	activeRuns.Inc()
}

// RunFinished decrements the active run gauge and counts the terminal status
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	activeRuns.Dec()
	runsTotal.WithLabelValues(status).Inc()
}

// Serve exposes /metrics on addr until the server fails or is shut down
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if c != nil && c.logger != nil {
				c.logger.Error("Metrics server stopped", "addr", addr, "error", err)
			}
		}
	}()
	if c != nil && c.logger != nil {
		c.logger.Info("Metrics endpoint listening", "addr", addr, "path", "/metrics")
	}
	return srv
}
