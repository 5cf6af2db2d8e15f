package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Producer.Send once the consumer went away.
var ErrClosed = errors.New("bus: consumer closed")

// Bus is an unbounded single-consumer, multi-producer queue.
// Values sent by one producer are received in send order, there is no
// ordering between distinct producers.
type Bus[T any] struct {
	mx     sync.Mutex
	queue  []T
	closed bool
	notify chan struct{}
	taken  atomic.Bool
}

func New[T any]() *Bus[T] {
	return &Bus[T]{
		notify: make(chan struct{}, 1),
	}
}

// Producer returns a new handle for sending. Producers are cheap values and
// can be copied freely across goroutines.
func (b *Bus[T]) Producer() Producer[T] {
	return Producer[T]{bus: b}
}

// Consumer returns the only consumer of a bus. Asking for a second one is
// a programming error and panics.
func (b *Bus[T]) Consumer() *Consumer[T] {
	if !b.taken.CompareAndSwap(false, true) {
		panic("bus: consumer already taken")
	}
	return &Consumer[T]{bus: b}
}

// Len returns number of queued values
func (b *Bus[T]) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.queue)
}

func (b *Bus[T]) push(v T) error {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, v)
	b.mx.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus[T]) pop() (T, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	var zero T
	if len(b.queue) == 0 {
		return zero, false
	}
	v := b.queue[0]
	b.queue[0] = zero
	b.queue = b.queue[1:]
	return v, true
}

type Producer[T any] struct {
	bus *Bus[T]
}

// Send enqueues v and never blocks. Returns ErrClosed when the consumer has
// been closed.
func (p Producer[T]) Send(v T) error {
	if p.bus == nil {
		return ErrClosed
	}
	return p.bus.push(v)
}

type Consumer[T any] struct {
	bus *Bus[T]
}

// Recv blocks until a value is available or ctx is done.
func (c *Consumer[T]) Recv(ctx context.Context) (T, error) {
	for {
		if v, ok := c.bus.pop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-c.bus.notify:
		}
	}
}

// TryRecv returns a queued value without blocking.
func (c *Consumer[T]) TryRecv() (T, bool) {
	return c.bus.pop()
}

// Close drops every queued value and makes all following sends fail with
// ErrClosed.
func (c *Consumer[T]) Close() {
	c.bus.mx.Lock()
	defer c.bus.mx.Unlock()
	c.bus.closed = true
	c.bus.queue = nil
}
