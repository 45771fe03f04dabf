package engine

import "sync/atomic"

// Clock hands out the sequence numbers stamped on stage results.
//
// Results are ordered by Seq, never by wall-clock time, so two stages that
// finish within the same clock tick still sort deterministically.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
