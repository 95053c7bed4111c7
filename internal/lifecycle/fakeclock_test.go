package lifecycle

import (
	"sync"
	"time"
)

// fakeClock is a manually-advanced clock for deterministic quiescence-wait
// tests: Sleep advances the clock itself instead of blocking wall-clock
// time, so the test runs instantly regardless of QuiescencePoll.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
