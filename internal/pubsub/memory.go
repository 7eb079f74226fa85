package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrDisconnected is returned by memory transports while their broker is
// disconnected.
var ErrDisconnected = errors.New("pubsub: broker disconnected")

// Broker is an in-process stand-in for Redis. Every Transport created from
// one Broker sees the others' publishes, which lets a single process run
// several bus instances against it.
type Broker struct {
	mu         sync.RWMutex
	transports map[*MemoryTransport]struct{}
	down       bool
	epoch      chan struct{} // closed on Disconnect
}

func NewBroker() *Broker {
	return &Broker{
		transports: make(map[*MemoryTransport]struct{}),
		epoch:      make(chan struct{}),
	}
}

// Disconnect makes every operation on every transport fail until Reconnect.
// Receives in flight return ErrDisconnected. Subscriptions survive, as they
// would on a client that resubscribes after reconnecting.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return
	}
	b.down = true
	close(b.epoch)
}

func (b *Broker) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.down {
		return
	}
	b.down = false
	b.epoch = make(chan struct{})
}

// Transport returns a new connection pair to the broker.
func (b *Broker) Transport() *MemoryTransport {
	t := &MemoryTransport{
		broker:   b,
		channels: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	b.mu.Lock()
	b.transports[t] = struct{}{}
	b.mu.Unlock()
	return t
}

// Subscribers counts transports subscribed to channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for t := range b.transports {
		if t.subscribed(channel) {
			n++
		}
	}
	return n
}

func (b *Broker) check() (<-chan struct{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return nil, ErrDisconnected
	}
	return b.epoch, nil
}

func (b *Broker) publish(channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return ErrDisconnected
	}
	for t := range b.transports {
		if t.subscribed(channel) {
			t.enqueue(Delivery{Channel: channel, Payload: append([]byte(nil), payload...)})
		}
	}
	return nil
}

func (b *Broker) remove(t *MemoryTransport) {
	b.mu.Lock()
	delete(b.transports, t)
	b.mu.Unlock()
}

// MemoryTransport is a Transport backed by a Broker.
type MemoryTransport struct {
	broker *Broker

	mu       sync.Mutex
	channels map[string]struct{}
	inbox    []Delivery

	// Publishes counts successful Publish calls.
	publishes int

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.broker.publish(channel, payload); err != nil {
		return err
	}
	t.mu.Lock()
	t.publishes++
	t.mu.Unlock()
	return nil
}

// Publishes reports how many publishes went through this transport.
func (t *MemoryTransport) Publishes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publishes
}

func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) error {
	if _, err := t.broker.check(); err != nil {
		return err
	}
	t.mu.Lock()
	t.channels[channel] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Unsubscribe(ctx context.Context, channel string) error {
	if _, err := t.broker.check(); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.channels, channel)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Receive(ctx context.Context) (Delivery, error) {
	for {
		epoch, err := t.broker.check()
		if err != nil {
			return Delivery{}, err
		}

		t.mu.Lock()
		if len(t.inbox) > 0 {
			d := t.inbox[0]
			t.inbox[0] = Delivery{}
			t.inbox = t.inbox[1:]
			t.mu.Unlock()
			return d, nil
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-epoch:
			return Delivery{}, ErrDisconnected
		case <-t.closed:
			return Delivery{}, ErrClosed
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

func (t *MemoryTransport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	_, err := t.broker.check()
	return err
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.broker.remove(t)
	})
	return nil
}

func (t *MemoryTransport) subscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.channels[channel]
	return ok
}

func (t *MemoryTransport) enqueue(d Delivery) {
	t.mu.Lock()
	t.inbox = append(t.inbox, d)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *MemoryTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
