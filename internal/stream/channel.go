// Package stream provides a producer/consumer channel with latched
// error and close states, swappable enqueue filters, and support for
// multiple racing consumers. It is the delivery primitive between the
// fetchers and the caller-facing iterators: unlike a raw Go channel it
// can hold an error for the next reader, survive consumer turnover, and
// drop values through a filter installed mid-stream.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Recv once the channel is closed and drained.
var ErrClosed = errors.New("stream: channel closed")

// Filter decides whether a value is delivered. The returned next filter,
// when non-nil, replaces the current one; this is how one-shot filters
// hand over to a successor after their trigger fires.
type Filter[T any] func(v T) (keep bool, next Filter[T])

// Identity keeps every value. One-shot filters return it to uninstall
// themselves.
func Identity[T any](T) (bool, Filter[T]) { return true, nil }

// SkipUntil drops every value up to and including the first one matching
// match, then installs the identity filter.
func SkipUntil[T any](match func(T) bool) Filter[T] {
	var f Filter[T]
	f = func(v T) (bool, Filter[T]) {
		if match(v) {
			return false, Identity[T]
		}
		return false, nil
	}
	return f
}

// Channel is a FIFO of T. Producers call Enqueue/Throw/Close; consumers
// call Recv. Values accumulate without bound if the producer outruns the
// consumer. When several consumers race on Recv, each value is delivered
// to exactly one of them.
type Channel[T any] struct {
	mu        sync.Mutex
	queue     []T
	err       error
	closed    bool
	abandoned bool
	filter    Filter[T]
	onAbandon func()
	wake      chan struct{}
}

// NewChannel returns an open, empty channel.
func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{wake: make(chan struct{})}
}

// Enqueue appends v unless the channel is closed, errored, or abandoned.
// The current filter, if any, is applied first.
func (c *Channel[T]) Enqueue(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil || c.abandoned {
		return
	}
	if c.filter != nil {
		keep, next := c.filter(v)
		if next != nil {
			c.filter = next
		}
		if !keep {
			return
		}
	}
	c.queue = append(c.queue, v)
	c.wakeLocked()
}

// Throw latches err. Consumers drain the queued values first, then every
// Recv fails with err. Only the first Throw wins.
func (c *Channel[T]) Throw(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return
	}
	c.err = err
	c.wakeLocked()
}

// Close latches end-of-stream. Queued values remain readable; once
// drained, Recv returns ErrClosed.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return
	}
	c.closed = true
	c.wakeLocked()
}

// SetFilter installs f, replacing any current filter. A nil f removes
// filtering.
func (c *Channel[T]) SetFilter(f Filter[T]) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// OnAbandon registers fn, invoked once if a consumer abandons the
// channel before it is closed.
func (c *Channel[T]) OnAbandon(fn func()) {
	c.mu.Lock()
	c.onAbandon = fn
	c.mu.Unlock()
}

// Abandon marks the consumer side as gone. Pending and future values are
// discarded and the abandon callback fires. Latched errors survive.
func (c *Channel[T]) Abandon() {
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		return
	}
	c.abandoned = true
	c.queue = nil
	fn := c.onAbandon
	done := c.closed
	c.mu.Unlock()

	if fn != nil && !done {
		fn()
	}
}

// Recv returns the next value in FIFO order. It blocks until a value is
// available, the channel ends (ErrClosed), a latched error surfaces, or
// ctx is done.
func (c *Channel[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			v := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return v, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return zero, err
		}
		if c.closed {
			c.mu.Unlock()
			return zero, ErrClosed
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

// Len reports the number of values waiting to be received.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Closed reports whether Close or Throw has latched.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.err != nil
}

func (c *Channel[T]) wakeLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}
