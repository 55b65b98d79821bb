package replay

import (
	"context"
	"sync"
)

type subscribeConfig struct {
	maxPending int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithMaxPending bounds how many undelivered items a subscriber may hold.
// Exceeding it detaches the subscriber and Next returns ErrOverflow. The
// bound is raised to the buffer capacity when smaller. Zero means unbounded.
func WithMaxPending(n int) SubscribeOption {
	return func(cfg *subscribeConfig) {
		if n > 0 {
			cfg.maxPending = n
		}
	}
}

// Subscription is one consumer's ordered view of a Buffer.
type Subscription[T any] struct {
	buf *Buffer[T]

	mu         sync.Mutex
	queue      []T
	err        error
	maxPending int

	wake chan struct{}
	done chan struct{}
}

// Next blocks until the next item is available. It returns ctx.Err() when
// ctx ends, ErrOverflow when the subscriber fell behind, and ErrClosed once
// a closed subscription has no queued items left.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.err == ErrOverflow {
			s.mu.Unlock()
			return zero, ErrOverflow
		}
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
			}
			s.mu.Unlock()
			return item, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return zero, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.wake:
		case <-s.done:
		}
	}
}

// Pending returns the number of queued items.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Err reports why the subscription stopped receiving, or nil while it is live.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription stops receiving new items.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.terminate(ErrClosed)
	if s.buf != nil {
		s.buf.remove(s)
	}
}

// push is called with the buffer lock held. It reports false when the
// subscription must be dropped from the buffer.
func (s *Subscription[T]) push(item T) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if s.maxPending > 0 && len(s.queue) >= s.maxPending {
		s.queue = nil
		s.err = ErrOverflow
		close(s.done)
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription[T]) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
