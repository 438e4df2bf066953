// Package ratelimit throttles inbound signaling messages per WebSocket
// connection.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket starts full with burst tokens and refills at perSecond tokens per
// second, never exceeding burst.
type Bucket struct {
	mu sync.Mutex

	clock  Clock
	burst  float64
	rate   float64
	tokens float64
	last   time.Time
}

// NewBucket returns a bucket; non-positive burst or perSecond yields a bucket
// that never allows anything.
func NewBucket(clock Clock, burst, perSecond int) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &Bucket{
		clock: clock,
		burst: float64(max(burst, 0)),
		rate:  float64(max(perSecond, 0)),
		last:  clock.Now(),
	}
	b.tokens = b.burst
	return b
}

// Allow takes one token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed.Seconds()*b.rate)
	}
	// A clock that steps backwards only moves the reference point.
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
