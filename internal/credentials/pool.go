// Package credentials rotates API keys per provider. Each call gets the
// least-used key that is not quarantined; usage and quarantine reset once
// per calendar day, checked lazily on every Acquire.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lamim/reelforge/internal/metrics"
)

// DefaultMinKeyLength rejects obviously truncated keys at load time
const DefaultMinKeyLength = 8

var (
	// ErrPoolExhausted means no usable key remains for the provider
	ErrPoolExhausted = errors.New("credential pool exhausted")
	// ErrNoKeys means the provider has no keys configured at all
	ErrNoKeys = errors.New("no keys configured")
)

// Options configures a Pool
type Options struct {
	// DailyCeiling is the soft per-key daily limit; 0 disables it
	DailyCeiling int
	// Location decides when a calendar day rolls over (UTC if nil)
	Location *time.Location
	// MinKeyLength rejects keys shorter than this (DefaultMinKeyLength if 0)
	MinKeyLength int
	// Now overrides the clock (tests)
	Now func() time.Time
}

// Pool holds one providerPool per provider
type Pool struct {
	providers map[string]*providerPool
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Collector
}

type providerPool struct {
	mu            sync.Mutex
	name          string
	keys          []string
	usage         map[string]int
	quarantined   map[string]string // key -> reason
	lastResetDate string
	rrNext        int
	degraded      bool
}

// Snapshot is a read-only view of one provider's pool state
type Snapshot struct {
	Provider      string
	Keys          int
	Usage         map[string]int
	Quarantined   map[string]string
	LastResetDate string
}

// NewPool builds a pool from provider -> key list. Keys are loaded once and
// are immutable for the lifetime of the pool.
func NewPool(keys map[string][]string, opts Options, logger *slog.Logger, m *metrics.Collector) *Pool {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MinKeyLength <= 0 {
		opts.MinKeyLength = DefaultMinKeyLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		providers: make(map[string]*providerPool, len(keys)),
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}

	today := p.today()
	for provider, list := range keys {
		pp := &providerPool{
			name:          provider,
			usage:         make(map[string]int),
			quarantined:   make(map[string]string),
			lastResetDate: today,
		}
		seen := make(map[string]bool, len(list))
		for _, k := range list {
			if len(k) < opts.MinKeyLength {
				logger.Warn("Ignoring credential shorter than minimum length",
					"provider", provider,
					"min_length", opts.MinKeyLength,
					"key", Redact(k))
				continue
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			pp.keys = append(pp.keys, k)
		}
		p.providers[provider] = pp
		logger.Debug("Loaded credentials", "provider", provider, "keys", len(pp.keys))
	}

	return p
}

// Providers returns the configured provider names in sorted order
func (p *Pool) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) today() string {
	return p.opts.Now().In(p.opts.Location).Format("2006-01-02")
}

// Acquire returns the least-used usable key for provider and counts the use.
// Ties go to the key that was configured first.
func (p *Pool) Acquire(provider string) (string, error) {
	pp, ok := p.providers[provider]
	if !ok || len(pp.keys) == 0 {
		p.metrics.RecordAcquire(provider, "no_keys")
		return "", fmt.Errorf("provider %q: %w: %w", provider, ErrPoolExhausted, ErrNoKeys)
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	p.resetIfNewDayLocked(pp)

	best := ""
	bestUsage := 0
	usable := 0
	for _, k := range pp.keys {
		if _, q := pp.quarantined[k]; q {
			continue
		}
		usable++
		if best == "" || pp.usage[k] < bestUsage {
			best = k
			bestUsage = pp.usage[k]
		}
	}

	if best == "" {
		p.metrics.RecordAcquire(provider, "exhausted")
		return "", fmt.Errorf("provider %q: all %d keys quarantined: %w", provider, len(pp.keys), ErrPoolExhausted)
	}

	// Every usable key is at the soft ceiling: keep serving round-robin and
	// let provider-side throttling push back.
	if p.opts.DailyCeiling > 0 && bestUsage >= p.opts.DailyCeiling {
		if !pp.degraded {
			pp.degraded = true
			p.logger.Warn("All credentials reached daily ceiling, rotating round-robin",
				"provider", provider,
				"ceiling", p.opts.DailyCeiling,
				"usable_keys", usable)
		}
		best = p.nextRoundRobinLocked(pp)
		pp.usage[best]++
		p.metrics.RecordAcquire(provider, "round_robin")
		return best, nil
	}

	pp.usage[best]++
	p.metrics.RecordAcquire(provider, "least_used")
	return best, nil
}

func (p *Pool) nextRoundRobinLocked(pp *providerPool) string {
	for i := 0; i < len(pp.keys); i++ {
		k := pp.keys[(pp.rrNext+i)%len(pp.keys)]
		if _, q := pp.quarantined[k]; q {
			continue
		}
		pp.rrNext = (pp.rrNext + i + 1) % len(pp.keys)
		return k
	}
	return ""
}

// MarkFailed quarantines key until the next daily reset. Use it for hard
// quota exhaustion, not for transient rate limits.
func (p *Pool) MarkFailed(provider, key, reason string) {
	pp, ok := p.providers[provider]
	if !ok {
		return
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	p.resetIfNewDayLocked(pp)

	known := false
	for _, k := range pp.keys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return
	}
	if _, already := pp.quarantined[key]; already {
		return
	}
	pp.quarantined[key] = reason
	p.metrics.SetQuarantined(provider, len(pp.quarantined))

	p.logger.Warn("Credential quarantined until next reset",
		"provider", provider,
		"key", Redact(key),
		"reason", reason,
		"quarantined", len(pp.quarantined),
		"total_keys", len(pp.keys))
}

// ResetIfNewDay clears usage and quarantine for every provider whose last
// reset happened on an earlier calendar day
func (p *Pool) ResetIfNewDay() {
	for _, pp := range p.providers {
		pp.mu.Lock()
		p.resetIfNewDayLocked(pp)
		pp.mu.Unlock()
	}
}

func (p *Pool) resetIfNewDayLocked(pp *providerPool) {
	today := p.today()
	if today == pp.lastResetDate {
		return
	}
	p.logger.Info("Daily credential reset",
		"provider", pp.name,
		"previous_date", pp.lastResetDate,
		"date", today,
		"released_quarantined", len(pp.quarantined))
	pp.usage = make(map[string]int)
	pp.quarantined = make(map[string]string)
	pp.lastResetDate = today
	pp.degraded = false
	pp.rrNext = 0
	p.metrics.SetQuarantined(pp.name, 0)
}

// Snapshot returns a copy of the provider's current state
func (p *Pool) Snapshot(provider string) (Snapshot, bool) {
	pp, ok := p.providers[provider]
	if !ok {
		return Snapshot{}, false
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	s := Snapshot{
		Provider:      provider,
		Keys:          len(pp.keys),
		Usage:         make(map[string]int, len(pp.usage)),
		Quarantined:   make(map[string]string, len(pp.quarantined)),
		LastResetDate: pp.lastResetDate,
	}
	for k, v := range pp.usage {
		s.Usage[k] = v
	}
	for k, v := range pp.quarantined {
		s.Quarantined[k] = v
	}
	return s, true
}

// Redact shortens a key for logs
func Redact(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-2:]
}
