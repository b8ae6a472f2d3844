package cpu

import (
	"sync"
	"time"
)

// opCounterCheckInterval bounds how long a WaitZero caller can go without
// re-checking its abort condition.
const opCounterCheckInterval = 10 * time.Millisecond

// An OpCounter counts in-flight operations of one class on one CPU.
// Waiters are woken on every decrement, so a barrier waiting for the
// counter to drain observes completion immediately instead of on a polling
// interval.
type OpCounter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int64
}

// NewOpCounter creates a counter with value zero.
func NewOpCounter() *OpCounter {
	c := &OpCounter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Inc adds one in-flight operation.
func (c *OpCounter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value++
}

// Dec retires one in-flight operation and wakes any waiter.
func (c *OpCounter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == 0 {
		panic("op counter decremented below zero")
	}

	c.value--
	if c.value == 0 {
		c.cond.Broadcast()
	}
}

// Value returns the current count.
func (c *OpCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value
}

// Broadcast wakes every waiter so it can re-check its abort condition.
// Used on coordinator shutdown.
func (c *OpCounter) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cond.Broadcast()
}

// WaitZero blocks until the counter reaches zero. It returns false if the
// timeout expires first or the aborted function reports true. The wait is
// re-armed periodically so that a stuck counter surfaces as a reported
// timeout, never a silent hang.
func (c *OpCounter) WaitZero(timeout time.Duration, aborted func() bool) bool {
	deadline := time.Now().Add(timeout)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(opCounterCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.cond.Broadcast()
			}
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.value != 0 {
		if aborted != nil && aborted() {
			return false
		}

		if !time.Now().Before(deadline) {
			return false
		}

		c.cond.Wait()
	}

	return true
}
