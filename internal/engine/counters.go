package engine

import (
	"sync"
	"time"
)

// CounterSnapshot is the lifetime tally persisted with the engine state.
type CounterSnapshot struct {
	Comments      int64         `json:"comments"`
	Reactions     int64         `json:"reactions"`
	Channels      int64         `json:"channels"`
	Errors        int64         `json:"errors"`
	RateLimits    int64         `json:"rate_limits"`
	RateLimitWait time.Duration `json:"rate_limit_wait"`
}

// AvgRateLimitWait is the mean requested wait per rate-limit signal.
func (c CounterSnapshot) AvgRateLimitWait() time.Duration {
	if c.RateLimits == 0 {
		return 0
	}
	return c.RateLimitWait / time.Duration(c.RateLimits)
}

// Counters is safe for concurrent use. onChange fires after every mutation.
type Counters struct {
	mu       sync.Mutex
	c        CounterSnapshot
	onChange func()
}

func (c *Counters) update(fn func(s *CounterSnapshot)) {
	c.mu.Lock()
	fn(&c.c)
	hook := c.onChange
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *Counters) AddComment()  { c.update(func(s *CounterSnapshot) { s.Comments++ }) }
func (c *Counters) AddReaction() { c.update(func(s *CounterSnapshot) { s.Reactions++ }) }
func (c *Counters) AddChannel()  { c.update(func(s *CounterSnapshot) { s.Channels++ }) }
func (c *Counters) AddError()    { c.update(func(s *CounterSnapshot) { s.Errors++ }) }

func (c *Counters) AddRateLimit(wait time.Duration) {
	c.update(func(s *CounterSnapshot) {
		s.RateLimits++
		s.RateLimitWait += wait
	})
}

func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}

// Reset zeroes the tally and returns the values it replaced.
func (c *Counters) Reset() CounterSnapshot {
	var prev CounterSnapshot
	c.update(func(s *CounterSnapshot) {
		prev = *s
		*s = CounterSnapshot{}
	})
	return prev
}

func (c *Counters) restore(s CounterSnapshot) {
	c.mu.Lock()
	c.c = s
	c.mu.Unlock()
}
