// Package pacing produces the human-like cadence between sends.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultDelayMin       = 4 * time.Second
	DefaultDelayMax       = 8 * time.Second
	DefaultLongPauseEvery = 10
	DefaultLongPauseMin   = 20 * time.Second
	DefaultLongPauseMax   = 40 * time.Second
)

// Config holds the fallback delay bounds and the long pause cadence.
// LongPauseEvery = 0 disables long pauses.
type Config struct {
	DelayMin       time.Duration
	DelayMax       time.Duration
	LongPauseEvery int
	LongPauseMin   time.Duration
	LongPauseMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DelayMin <= 0 {
		c.DelayMin = DefaultDelayMin
	}
	if c.DelayMax <= 0 {
		c.DelayMax = DefaultDelayMax
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	if c.LongPauseEvery < 0 {
		c.LongPauseEvery = 0
	}
	if c.LongPauseMin <= 0 {
		c.LongPauseMin = DefaultLongPauseMin
	}
	if c.LongPauseMax <= 0 {
		c.LongPauseMax = DefaultLongPauseMax
	}
	if c.LongPauseMax < c.LongPauseMin {
		c.LongPauseMax = c.LongPauseMin
	}
	return c
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Policy)

// WithRand sets the random source (tests use a fixed seed).
func WithRand(r *rand.Rand) Option { return func(p *Policy) { p.rng = r } }

// WithSleep replaces the blocking sleep used by Wait.
func WithSleep(fn SleepFunc) Option { return func(p *Policy) { p.sleep = fn } }

// Policy computes the wait after each send attempt.
//
// The attempt counter is reset by the worker at job boundaries.
type Policy struct {
	mu       sync.Mutex
	cfg      Config
	min, max time.Duration
	attempts int
	rng      *rand.Rand
	sleep    SleepFunc
}

func NewPolicy(cfg Config, opts ...Option) *Policy {
	cfg = cfg.withDefaults()
	p := &Policy{
		cfg: cfg,
		min: cfg.DelayMin,
		max: cfg.DelayMax,
		// local RNG to avoid global contention
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: Sleep,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// Apply swaps the defaults. Job bounds set by ForJob are kept.
func (p *Policy) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// ForJob sets the base delay bounds for a new job and resets the cadence.
// Zero bounds fall back to the configured defaults.
func (p *Policy) ForJob(min, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if min <= 0 {
		min = p.cfg.DelayMin
	}
	if max <= 0 {
		max = p.cfg.DelayMax
	}
	if max < min {
		max = min
	}
	p.min, p.max = min, max
	p.attempts = 0
}

// Next advances the attempt counter and returns the delay to apply.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	d := p.uniform(p.min, p.max)
	if n := p.cfg.LongPauseEvery; n > 0 && p.attempts%n == 0 {
		d += p.uniform(p.cfg.LongPauseMin, p.cfg.LongPauseMax)
	}
	return d
}

// Wait computes the next delay and blocks for it.
func (p *Policy) Wait(ctx context.Context) error {
	d := p.Next()
	return p.sleep(ctx, d)
}

func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// uniform samples [lo, hi] at millisecond granularity. Caller holds mu.
func (p *Policy) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64((hi - lo) / time.Millisecond)
	return lo + time.Duration(p.rng.Int63n(span+1))*time.Millisecond
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
