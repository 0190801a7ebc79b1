// Package eventbus provides an in-process fan-out bus used to decouple the
// dispatch core from its observers (audit log, metrics, AMQP mirror).
package eventbus

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 8

// Option configures a TypedBus.
type Option func(*options)

type options struct {
	buffer int
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// TypedBus is a type-safe publish/subscribe bus for events of type T.
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted.
type TypedBus[T any] struct {
	mu      sync.RWMutex
	subs    []chan T
	closed  bool
	buffer  int
	dropped atomic.Uint64
}

// NewTyped creates a new TypedBus.
func NewTyped[T any](opts ...Option) *TypedBus[T] {
	o := options{buffer: defaultBuffer}
	for _, fn := range opts {
		fn(&o)
	}
	return &TypedBus[T]{buffer: o.buffer}
}

// Publish sends the event to all subscribers.
func (b *TypedBus[T]) Publish(e T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber and returns its channel.
func (b *TypedBus[T]) Subscribe() <-chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *TypedBus[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *TypedBus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close closes the bus and all subscriber channels.
func (b *TypedBus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
