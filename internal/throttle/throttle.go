// Package throttle spaces outbound calls per provider. The delay between
// calls escalates on consecutive rate-limit responses and drops back to the
// provider minimum on the first success.
package throttle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/reelforge/internal/metrics"
)

// Default settings for providers without explicit configuration
const (
	DefaultMinDelay       = 1 * time.Second
	DefaultEscalationBase = 5 * time.Second
	DefaultMaxDelay       = 60 * time.Second
)

// Settings configures one provider's throttle
type Settings struct {
	MinDelay       time.Duration
	EscalationBase time.Duration
	MaxDelay       time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MinDelay < 0 {
		s.MinDelay = 0
	}
	if s.EscalationBase <= 0 {
		s.EscalationBase = DefaultEscalationBase
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = DefaultMaxDelay
	}
	if s.MaxDelay < s.MinDelay {
		s.MaxDelay = s.MinDelay
	}
	return s
}

// State is a snapshot of one provider's throttle
type State struct {
	LastRequestAt time.Time
	CurrentDelay  time.Duration
	Hits          int
}

type providerState struct {
	mu       sync.Mutex
	settings Settings
	last     time.Time
	delay    time.Duration
	hits     int
}

// Throttle holds per-provider adaptive delay state shared by every run
type Throttle struct {
	mu        sync.Mutex
	providers map[string]*providerState
	defaults  Settings
	settings  map[string]Settings
	logger    *slog.Logger
	metrics   *metrics.Collector

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Throttle
type Option func(*Throttle)

// WithClock overrides the clock and sleep function (tests)
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Throttle) {
		t.now = now
		t.sleep = sleep
	}
}

// WithMetrics records delays and waits
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Throttle) {
		t.metrics = m
	}
}

// New creates a throttle. Providers missing from settings use defaults.
func New(defaults Settings, settings map[string]Settings, logger *slog.Logger, opts ...Option) *Throttle {
	t := &Throttle{
		providers: make(map[string]*providerState),
		defaults:  defaults.withDefaults(),
		settings:  make(map[string]Settings, len(settings)),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for name, s := range settings {
		t.settings[name] = s.withDefaults()
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Throttle) state(provider string) *providerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.providers[provider]
	if !ok {
		s, ok := t.settings[provider]
		if !ok {
			s = t.defaults
		}
		st = &providerState{settings: s, delay: s.MinDelay}
		t.providers[provider] = st
	}
	return st
}

// Wait blocks until the provider's next slot. The slot is reserved under the
// provider lock so concurrent callers are spaced by the current delay; the
// sleep itself happens outside the lock. Only ctx cancellation returns an error.
func (t *Throttle) Wait(ctx context.Context, provider string) error {
	st := t.state(provider)

	st.mu.Lock()
	now := t.now()
	slot := now
	if !st.last.IsZero() {
		if next := st.last.Add(st.delay); next.After(slot) {
			slot = next
		}
	}
	st.last = slot
	st.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}

	t.metrics.RecordThrottleWait(provider, wait)
	t.logger.Debug("Throttling provider call", "provider", provider, "wait", wait)
	return t.sleep(ctx, wait)
}

// OnRateLimited escalates the provider delay: base, 2·base, 4·base … capped at
// MaxDelay. The delay never decreases here.
func (t *Throttle) OnRateLimited(provider string) {
	st := t.state(provider)

	st.mu.Lock()
	st.hits++
	s := st.settings
	next := s.EscalationBase
	for i := 1; i < st.hits && next < s.MaxDelay; i++ {
		next *= 2
	}
	if next > s.MaxDelay {
		next = s.MaxDelay
	}
	if next > st.delay {
		st.delay = next
	}
	delay, hits := st.delay, st.hits
	st.mu.Unlock()

	t.metrics.IncRateLimit(provider)
	t.metrics.SetThrottleDelay(provider, delay)
	t.logger.Warn("Provider rate limited, escalating delay",
		"provider", provider,
		"consecutive_hits", hits,
		"delay", delay)
}

// OnSuccess resets the provider to its minimum delay
func (t *Throttle) OnSuccess(provider string) {
	st := t.state(provider)

	st.mu.Lock()
	changed := st.hits > 0 || st.delay != st.settings.MinDelay
	st.hits = 0
	st.delay = st.settings.MinDelay
	delay := st.delay
	st.mu.Unlock()

	if changed {
		t.metrics.SetThrottleDelay(provider, delay)
		t.logger.Debug("Provider throttle reset", "provider", provider, "delay", delay)
	}
}

// State returns a snapshot of the provider's throttle
func (t *Throttle) State(provider string) State {
	st := t.state(provider)
	st.mu.Lock()
	defer st.mu.Unlock()
	return State{
		LastRequestAt: st.last,
		CurrentDelay:  st.delay,
		Hits:          st.hits,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
