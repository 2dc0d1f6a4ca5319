package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Ceiling is a hard cap on sends per minute, independent of the randomized delay.
// A nil Ceiling, or one with a rate of 0, never blocks.
type Ceiling struct {
	mu  sync.RWMutex
	lim *rate.Limiter
}

func NewCeiling(perMinute int) *Ceiling {
	c := &Ceiling{}
	c.SetRate(perMinute)
	return c
}

// SetRate changes the cap. 0 disables it.
func (c *Ceiling) SetRate(perMinute int) {
	if c == nil {
		return
	}
	var lim *rate.Limiter
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	c.mu.Lock()
	c.lim = lim
	c.mu.Unlock()
}

// Wait blocks until one more send is allowed.
func (c *Ceiling) Wait(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	lim := c.lim
	c.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (c *Ceiling) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lim != nil
}
