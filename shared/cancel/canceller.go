// Package cancel provides a simple cancellation primitive shared between
// tasks that do not carry a context of their own.
package cancel

import (
	"context"
	"sync"
)

// Canceller is a simple single-fire cancellation signal.
// The zero value is not usable, use New().
type Canceller struct {
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// New returns a fresh Canceller.
func New() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Cancel fires the cancellation signal. It is safe to call multiple times.
func (c *Canceller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done returns a channel that is closed once Cancel has been called.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

// Err returns context.Canceled once Cancel has been called, nil before.
func (c *Canceller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return context.Canceled
	}

	return nil
}
