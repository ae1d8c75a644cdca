package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the zone sync workers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

func (c RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock is a manually driven Clock. After advances the clock by d and
// fires immediately, so loops that sleep between steps run without delay.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	Waits       []time.Duration // every duration passed to After, in order
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentTime = c.CurrentTime.Add(d)
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentTime = c.CurrentTime.Add(d)
	c.Waits = append(c.Waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.CurrentTime
	return ch
}

// WaitLog returns a copy of the durations passed to After.
func (c *MockClock) WaitLog() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.Waits...)
}
