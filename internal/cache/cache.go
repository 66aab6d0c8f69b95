// Package cache holds provider responses for a bounded time window so
// identical requests skip the provider entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/reelforge/internal/metrics"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 1000
)

// ErrRemoteMiss is returned by a Remote when the key is absent
var ErrRemoteMiss = errors.New("remote cache miss")

// Remote is a second cache tier shared between processes
type Remote interface {
	// Get returns the value and its remaining lifetime
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// Options configures a Cache
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Remote     Remote
	Now        func() time.Time
	Metrics    *metrics.Collector
}

// Cache is an in-memory TTL cache with an optional remote tier
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	remote     Remote
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// New creates a cache
func New(opts Options, logger *slog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:    make(map[string]*entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		remote:     opts.Remote,
		now:        opts.Now,
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// Key derives the cache key from the endpoint and the canonical JSON of
// params. Map keys are serialized in sorted order.
func Key(endpoint string, params any) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns a copy of the cached value when an entry exists and is
// younger than its TTL
func (c *Cache) Get(ctx context.Context, endpoint string, params any) ([]byte, bool) {
	key, err := Key(endpoint, params)
	if err != nil {
		c.logger.Debug("Uncacheable params", "endpoint", endpoint, "error", err)
		return nil, false
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		if !e.expired(c.now()) {
			value := append([]byte(nil), e.value...)
			c.mu.Unlock()
			c.metrics.RecordCacheLookup("hit")
			return value, true
		}
		delete(c.entries, key)
		c.metrics.SetCacheEntries(len(c.entries))
	}
	c.mu.Unlock()

	if ok {
		c.metrics.RecordCacheLookup("expired")
	}

	if c.remote != nil {
		value, remaining, err := c.remote.Get(ctx, key)
		switch {
		case err == nil && remaining > 0:
			c.store(key, value, remaining)
			c.metrics.RecordCacheLookup("remote_hit")
			return value, true
		case err != nil && !errors.Is(err, ErrRemoteMiss):
			c.logger.Warn("Remote cache lookup failed", "endpoint", endpoint, "error", err)
		}
	}

	c.metrics.RecordCacheLookup("miss")
	return nil, false
}

// Put stores value, overwriting any existing entry. An optional ttl
// overrides the default.
func (c *Cache) Put(ctx context.Context, endpoint string, params any, value []byte, ttl ...time.Duration) error {
	key, err := Key(endpoint, params)
	if err != nil {
		return err
	}

	d := c.ttl
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	c.store(key, value, d)

	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value, d); err != nil {
			c.logger.Warn("Remote cache write failed", "endpoint", endpoint, "error", err)
		}
	}
	return nil
}

func (c *Cache) store(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = &entry{value: stored, storedAt: now, ttl: ttl}
	c.metrics.SetCacheEntries(len(c.entries))
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey = k
			oldest = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Sweep removes expired entries and returns how many were dropped
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.sweepLocked(c.now())
	c.metrics.SetCacheEntries(len(c.entries))
	return n
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper sweeps every interval until ctx is done
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("Swept expired cache entries", "removed", n)
				}
			}
		}
	}()
}

// Len returns the number of entries held in memory, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases the remote tier
func (c *Cache) Close() error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}
