package dme

import "sync"

// Clock is a Lamport logical clock: a monotonic counter advanced on local
// events and on message receipt. It never decreases.
type Clock struct {
	mu   sync.Mutex
	time int64
}

// NewClock returns a clock starting at zero.
func NewClock() *Clock {
	return &Clock{}
}

// Tick advances the clock for a local event and returns the new value.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return c.time
}

// Observe advances the clock on receipt of a message carrying incomingTS:
// time = max(time, incomingTS) + 1. A negative incomingTS is treated as
// malformed and falls back to a plain Tick.
func (c *Clock) Observe(incomingTS int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if incomingTS < 0 {
		c.time++
		return c.time
	}
	if incomingTS > c.time {
		c.time = incomingTS
	}
	c.time++
	return c.time
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}
