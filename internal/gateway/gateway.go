// Package gateway runs every outbound provider call through the same
// protocol: cache lookup, adaptive throttle, request ceiling, credential
// acquisition, the call itself, then classification into retry, quarantine
// or failure.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/reelforge/internal/cache"
	"github.com/lamim/reelforge/internal/credentials"
	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/metrics"
	"github.com/lamim/reelforge/internal/throttle"
)

const (
	DefaultMaxRateLimitRetries = 5
	DefaultMaxTransientRetries = 3
	DefaultCallTimeout         = 120 * time.Second
)

// Policy bounds retries and per-call duration. Zero fields take the
// defaults; a negative retry count disables that kind of retry.
type Policy struct {
	MaxRateLimitRetries int
	MaxTransientRetries int
	CallTimeout         time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRateLimitRetries < 0 {
		p.MaxRateLimitRetries = 0
	} else if p.MaxRateLimitRetries == 0 {
		p.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if p.MaxTransientRetries < 0 {
		p.MaxTransientRetries = 0
	} else if p.MaxTransientRetries == 0 {
		p.MaxTransientRetries = DefaultMaxTransientRetries
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = DefaultCallTimeout
	}
	return p
}

// Call describes one logical provider request
type Call struct {
	Provider string
	// Endpoint and Params form the cache key
	Endpoint string
	Params   any
	// Cacheable responses are looked up before and stored after the call
	Cacheable bool
	TTL       time.Duration
	// Validate rejects a response before it is cached. Its error is
	// reported as a validation failure and is not retried.
	Validate func([]byte) error
}

// CallFunc performs the request with the acquired credential
type CallFunc func(ctx context.Context, apiKey string) ([]byte, error)

// Deps are the shared singletons every gateway call goes through. Pool and
// Throttle are required; Ceiling, Cache and Metrics are optional.
type Deps struct {
	Pool     *credentials.Pool
	Throttle *throttle.Throttle
	Ceiling  *throttle.Ceiling
	Cache    *cache.Cache
	Metrics  *metrics.Collector
}

// Gateway is safe for concurrent use by many pipeline runs
type Gateway struct {
	deps   Deps
	policy Policy
	logger *slog.Logger
}

// New creates a gateway
func New(deps Deps, policy Policy, logger *slog.Logger) *Gateway {
	return &Gateway{
		deps:   deps,
		policy: policy.withDefaults(),
		logger: logger,
	}
}

// Policy returns the effective retry policy
func (g *Gateway) Policy() Policy {
	return g.policy
}

// Do executes call, retrying according to the failure kind. Quota failures
// quarantine the key and retry immediately with another one until the pool
// runs dry.
func (g *Gateway) Do(ctx context.Context, call Call, fn CallFunc) ([]byte, error) {
	op := "gateway." + call.Provider
	if call.Endpoint != "" {
		op += "." + call.Endpoint
	}

	if call.Cacheable && g.deps.Cache != nil {
		if value, ok := g.deps.Cache.Get(ctx, call.Endpoint, call.Params); ok {
			g.logger.Debug("Response served from cache", "provider", call.Provider, "endpoint", call.Endpoint)
			return value, nil
		}
	}

	rateLimitHits := 0
	transientFailures := 0
	quotaFailures := 0

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Transient(op, err)
		}

		if err := g.deps.Throttle.Wait(ctx, call.Provider); err != nil {
			return nil, errs.Transient(op, fmt.Errorf("failed to wait for throttle: %w", err))
		}
		if err := g.deps.Ceiling.Wait(ctx, call.Provider); err != nil {
			return nil, errs.Transient(op, fmt.Errorf("failed to wait for request ceiling: %w", err))
		}

		key, err := g.deps.Pool.Acquire(call.Provider)
		if err != nil {
			if errors.Is(err, credentials.ErrNoKeys) {
				return nil, errs.Fatal(op, err)
			}
			return nil, errs.Quota(op, err)
		}

		value, err := g.invoke(ctx, call, fn, key)
		if err == nil {
			g.deps.Throttle.OnSuccess(call.Provider)
			if call.Validate != nil {
				if verr := call.Validate(value); verr != nil {
					return nil, errs.Validation(op, verr)
				}
			}
			if call.Cacheable && g.deps.Cache != nil {
				if perr := g.deps.Cache.Put(ctx, call.Endpoint, call.Params, value, call.TTL); perr != nil {
					g.logger.Warn("Failed to cache response", "provider", call.Provider, "error", perr)
				}
			}
			if attempt > 1 {
				g.logger.Debug("Provider call succeeded after retries",
					"provider", call.Provider,
					"attempt", attempt)
			}
			return value, nil
		}

		kind := errs.KindOf(err)
		switch kind {
		case errs.KindQuota:
			quotaFailures++
			g.deps.Pool.MarkFailed(call.Provider, key, err.Error())
			g.logger.Warn("Credential out of quota, rotating",
				"provider", call.Provider,
				"key", credentials.Redact(key),
				"attempt", attempt)
			continue

		case errs.KindRateLimit:
			rateLimitHits++
			g.deps.Throttle.OnRateLimited(call.Provider)
			if rateLimitHits > g.policy.MaxRateLimitRetries {
				return nil, fmt.Errorf("rate limited %d times: %w", rateLimitHits, err)
			}
			g.logger.Warn("Rate limited, backing off",
				"provider", call.Provider,
				"attempt", attempt,
				"delay", g.deps.Throttle.State(call.Provider).CurrentDelay)
			continue

		case errs.KindTransient:
			transientFailures++
			if ctx.Err() != nil {
				return nil, err
			}
			if transientFailures > g.policy.MaxTransientRetries {
				return nil, fmt.Errorf("failed after %d transient errors: %w", transientFailures, err)
			}
			g.logger.Warn("Transient provider failure, retrying",
				"provider", call.Provider,
				"attempt", attempt,
				"error", err)
			continue
		}

		g.logger.Debug("Provider call failed",
			"provider", call.Provider,
			"kind", kind.String(),
			"quota_failures", quotaFailures,
			"error", err)
		return nil, err
	}
}

func (g *Gateway) invoke(ctx context.Context, call Call, fn CallFunc, key string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.policy.CallTimeout)
	defer cancel()

	start := time.Now()
	value, err := fn(callCtx, key)
	result := "ok"
	if err != nil {
		// A deadline hit by the call itself is a timeout, whatever the
		// adapter made of it
		if callCtx.Err() != nil && ctx.Err() == nil && !errs.Is(err, errs.KindTransient) {
			err = errs.Transient("gateway."+call.Provider, fmt.Errorf("call timed out after %s: %w", g.policy.CallTimeout, err))
		}
		result = errs.KindOf(err).String()
	}
	g.deps.Metrics.RecordProviderCall(call.Provider, result, time.Since(start))
	return value, err
}
