package serverstate

import (
	"context"
	"sync"
)

// Counter tracks open consumer sessions that should block draining.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

func (c *Counter) init() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}

// Inc records a new session.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.init()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec records a finished session.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.init()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

// Load returns the number of open sessions.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until no session is open or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.init()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

var sessions Counter

// Sessions returns the process-wide open session counter.
func Sessions() *Counter { return &sessions }
