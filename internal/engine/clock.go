package engine

import (
	"sync"
	"time"
)

// Clock is the time base of the scheduler.
type Clock interface {
	Now() time.Time
	// WaitUntil blocks until deadline has been reached or stop is closed,
	// reporting false when stopped. A deadline already in the past returns
	// true immediately.
	WaitUntil(deadline time.Time, stop <-chan struct{}) bool
}

// SystemClock waits on the wall clock: one timer sleep to within Fine of the
// deadline, then short sleeps of at most Step until it is reached.
type SystemClock struct {
	Fine time.Duration
	Step time.Duration
}

func (c SystemClock) Now() time.Time { return time.Now() }

func (c SystemClock) WaitUntil(deadline time.Time, stop <-chan struct{}) bool {
	fine := c.Fine
	if fine <= 0 {
		fine = 2 * time.Millisecond
	}
	step := c.Step
	if step <= 0 {
		step = 250 * time.Microsecond
	}
	if d := time.Until(deadline) - fine; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}
	for {
		select {
		case <-stop:
			return false
		default:
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			return true
		}
		if rem > step {
			rem = step
		}
		time.Sleep(rem)
	}
}

// VirtualClock never sleeps: WaitUntil moves the clock to the deadline at once.
// Jitter, when set, is added after every wait to model wake-up latency.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	Jitter func() time.Duration
}

func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *VirtualClock) WaitUntil(deadline time.Time, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline.After(c.now) {
		c.now = deadline
	}
	if c.Jitter != nil {
		if j := c.Jitter(); j > 0 {
			c.now = c.now.Add(j)
		}
	}
	return true
}
