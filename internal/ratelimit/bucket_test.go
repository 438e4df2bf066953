package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBucket_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 5, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() #%d=false during initial burst", i)
		}
	}
	if b.Allow() {
		t.Fatalf("Allow()=true on empty bucket")
	}

	clk.Advance(200 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("Allow()=false after refilling one token")
	}
	if b.Allow() {
		t.Fatalf("Allow()=true after spending the refilled token")
	}
}

func TestBucket_RefillCapsAtBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 2, 10)

	clk.Advance(time.Hour)
	allowed := 0
	for b.Allow() {
		allowed++
	}
	if allowed != 2 {
		t.Fatalf("allowed=%d, want 2", allowed)
	}
}

func TestBucket_ClockGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewBucket(clk, 1, 1)
	if !b.Allow() {
		t.Fatalf("Allow()=false on full bucket")
	}

	clk.Advance(-time.Minute)
	if b.Allow() {
		t.Fatalf("backwards clock refilled the bucket")
	}
	clk.Advance(time.Second)
	if !b.Allow() {
		t.Fatalf("Allow()=false one second after the new reference point")
	}
}

func TestBucket_ZeroRateNeverAllows(t *testing.T) {
	b := NewBucket(nil, 0, 0)
	if b.Allow() {
		t.Fatalf("Allow()=true for zero bucket")
	}
}
