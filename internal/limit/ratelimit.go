// Package limit provides the small error budget a session grants its
// peer: a fixed number of protocol slips per window before the
// connection is closed.
package limit

import (
	"errors"
	"time"
)

// ErrRatelimit is returned once the budget for the current window is
// exhausted.
var ErrRatelimit = errors.New("rate limit occurred")

// RatelimitConfig configures a rate limit.
type RatelimitConfig struct {
	Rate     int
	Duration time.Duration
}

// Ratelimit counts events against a budget that replenishes when the
// window rolls over.
type Ratelimit struct {
	start  time.Time
	count  int
	config *RatelimitConfig
}

// New creates a new rate limit.
func New(config *RatelimitConfig) *Ratelimit {
	return &Ratelimit{
		config: config,
		start:  time.Now(),
	}
}

// Take spends one event. Inside the window, spending past the budget
// returns ErrRatelimit; once the window has passed, the budget starts
// fresh.
func (c *Ratelimit) Take() error {
	c.count++
	if c.count <= c.config.Rate {
		return nil
	}

	now := time.Now()
	if now.Sub(c.start) < c.config.Duration {
		return ErrRatelimit
	}

	c.start = now
	c.count = 1
	return nil
}
