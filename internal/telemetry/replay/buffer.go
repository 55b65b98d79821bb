// Package replay provides a bounded multicast log: every subscriber receives
// the buffered backlog oldest first, then every later append, in append order.
package replay

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Next once a closed subscription has drained.
	ErrClosed = errors.New("replay: subscription closed")
	// ErrOverflow is returned by Next when a bounded subscriber fell behind.
	ErrOverflow = errors.New("replay: subscriber fell behind")
)

// Buffer is a ring of the most recent items plus the live subscriber list.
// Append and Subscribe are serialized by one mutex, so a subscriber never
// sees an item both in its backlog and live.
type Buffer[T any] struct {
	mu     sync.Mutex
	ring   []T
	next   int
	size   int
	subs   []*Subscription[T]
	closed bool
}

// New constructs a buffer holding at most capacity items. A zero capacity
// keeps no backlog but still fans out live items.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{ring: make([]T, capacity)}
}

// Append stores item, evicting the oldest when full, and pushes it to every
// subscriber in registration order.
func (b *Buffer[T]) Append(item T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if capacity := len(b.ring); capacity > 0 {
		b.ring[b.next] = item
		b.next = (b.next + 1) % capacity
		if b.size < capacity {
			b.size++
		}
	}

	live := b.subs[:0]
	for _, sub := range b.subs {
		if sub.push(item) {
			live = append(live, sub)
		}
	}
	for i := len(live); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = live
}

// Subscribe registers a subscriber whose queue starts with the current
// backlog. After Close the returned subscription is already closed.
func (b *Buffer[T]) Subscribe(opts ...SubscribeOption) *Subscription[T] {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	sub := &Subscription[T]{
		buf:        b,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		maxPending: cfg.maxPending,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.terminate(ErrClosed)
		return sub
	}
	// the backlog alone must never count as falling behind
	if sub.maxPending > 0 && sub.maxPending < len(b.ring) {
		sub.maxPending = len(b.ring)
	}
	sub.queue = b.snapshotLocked()
	b.subs = append(b.subs, sub)
	if len(sub.queue) > 0 {
		sub.signal()
	}
	return sub
}

// Snapshot returns the buffered items oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.ring)
}

// Subscribers returns the number of registered subscribers.
func (b *Buffer[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the buffer and closes every subscription. Subscribers drain
// what they already hold and then receive ErrClosed.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.terminate(ErrClosed)
	}
	b.subs = nil
}

func (b *Buffer[T]) snapshotLocked() []T {
	if b.size == 0 {
		return nil
	}
	capacity := len(b.ring)
	out := make([]T, 0, b.size)
	start := (b.next - b.size + capacity) % capacity
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(start+i)%capacity])
	}
	return out
}

func (b *Buffer[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			copy(b.subs[i:], b.subs[i+1:])
			b.subs[len(b.subs)-1] = nil
			b.subs = b.subs[:len(b.subs)-1]
			return
		}
	}
}
