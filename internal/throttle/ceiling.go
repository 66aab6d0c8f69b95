package throttle

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Ceiling is a hard requests-per-minute cap per provider, applied after the
// adaptive wait. Providers with no configured rate are unlimited.
type Ceiling struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewCeiling creates limiters for every provider with a positive rate
func NewCeiling(requestsPerMinute map[string]int, logger *slog.Logger) *Ceiling {
	c := &Ceiling{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
		logger:   logger,
	}
	for provider, rpm := range requestsPerMinute {
		if rpm > 0 {
			c.getOrCreate(provider, rpm)
		}
	}
	return c
}

func (c *Ceiling) getOrCreate(provider string, requestsPerMinute int) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limiter, exists := c.limiters[provider]; exists {
		if existing := c.rates[provider]; existing != requestsPerMinute {
			c.logger.Warn("Rate ceiling already exists with different rate, using existing rate",
				"provider", provider,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	// Convert requests per minute to requests per second, allow 20% burst
	rps := float64(requestsPerMinute) / 60.0
	burst := max(1, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	c.limiters[provider] = limiter
	c.rates[provider] = requestsPerMinute

	c.logger.Debug("Created rate ceiling",
		"provider", provider,
		"rpm", requestsPerMinute,
		"rps", rps,
		"burst", burst)

	return limiter
}

// Wait blocks until the provider's ceiling admits another request
func (c *Ceiling) Wait(ctx context.Context, provider string) error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	limiter, ok := c.limiters[provider]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// Rate returns the configured requests per minute, or 0 when unlimited
func (c *Ceiling) Rate(provider string) int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rates[provider]
}
