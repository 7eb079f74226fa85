package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Next once the subscription or its bus is closed.
	ErrClosed = errors.New("pubsub: subscription closed")

	// ErrSlowConsumer is returned by Next, after the queued events, when the
	// consumer fell so far behind that its queue overflowed.
	ErrSlowConsumer = errors.New("pubsub: subscriber queue overflow")

	// ErrConcurrentNext means two goroutines called Next on the same
	// subscription. That is a bug in the caller.
	ErrConcurrentNext = errors.New("pubsub: concurrent Next on one subscription")
)

// Subscription is one consumer's cursor over a channel.
//
// Deliveries that arrive before the consumer asks for them wait in a
// bounded FIFO queue. A consumer that asks before anything arrived parks
// on notify, which has room for exactly one pending wake-up.
type Subscription struct {
	bus     *Bus
	channel string
	limit   int

	mu      sync.Mutex
	queue   []Delivery
	err     error // terminal error, set once
	discard bool  // drop queued deliveries instead of draining them

	notify    chan struct{}
	pulling   atomic.Bool
	closeOnce sync.Once
}

func newSubscription(bus *Bus, channel string, limit int) *Subscription {
	return &Subscription{
		bus:     bus,
		channel: channel,
		limit:   limit,
		notify:  make(chan struct{}, 1),
	}
}

func (s *Subscription) Channel() string { return s.channel }

// Next returns the oldest undelivered message. It blocks until one is
// available, the subscription ends, or ctx is done.
//
// Only one Next may be outstanding at a time.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	if !s.pulling.CompareAndSwap(false, true) {
		return Delivery{}, ErrConcurrentNext
	}
	defer s.pulling.Store(false)

	for {
		s.mu.Lock()
		if s.err != nil && s.discard {
			err := s.err
			s.mu.Unlock()
			return Delivery{}, err
		}
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue[0] = Delivery{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return d, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Delivery{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Close ends the subscription and releases its slot on the bus. A Next
// blocked in another goroutine returns ErrClosed. Safe to call many times.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.terminate(ErrClosed, true)
		s.bus.release(s)
	})
	return nil
}

// push enqueues d. It returns ErrSlowConsumer only from the push that
// overflowed the queue; a subscription that had already finished returns
// its terminal error.
func (s *Subscription) push(d Delivery) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return fmt.Errorf("%w: already finished", err)
	}
	if len(s.queue) >= s.limit {
		s.err = ErrSlowConsumer
		s.mu.Unlock()
		s.wake()
		return ErrSlowConsumer
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *Subscription) terminate(err error, discard bool) {
	s.mu.Lock()
	if discard {
		s.err = err
		s.discard = true
		s.queue = nil
	} else if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
