package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSTransport maps each bus channel to a core NATS subject. The client
// reconnects on its own and replays subscriptions afterwards; disconnects
// are surfaced through Receive so the bus can report itself degraded.
type NATSTransport struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu    sync.Mutex
	subs  map[string]*nats.Subscription
	inbox []Delivery

	notify chan struct{}
	lost   chan error
}

var _ Transport = (*NATSTransport)(nil)

func NewNATSTransport(url, name string, dialTimeout time.Duration, logger *zap.Logger) (*NATSTransport, error) {
	t := &NATSTransport{
		logger: logger.Named("nats"),
		subs:   make(map[string]*nats.Subscription),
		notify: make(chan struct{}, 1),
		lost:   make(chan error, 1),
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(dialTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			select {
			case t.lost <- err:
			default:
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	t.nc = nc
	return t, nil
}

func (t *NATSTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.nc.IsConnected() {
		return nats.ErrConnectionReconnecting
	}
	return t.nc.Publish(channel, payload)
}

func (t *NATSTransport) Subscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[channel]; ok {
		return nil
	}
	// One async subscription per subject; nats.go runs its callbacks on a
	// single goroutine, so per-channel order is kept.
	sub, err := t.nc.Subscribe(channel, func(m *nats.Msg) {
		t.enqueue(Delivery{Channel: m.Subject, Payload: m.Data})
	})
	if err != nil {
		return err
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	t.subs[channel] = sub
	return nil
}

func (t *NATSTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	sub, ok := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *NATSTransport) Receive(ctx context.Context) (Delivery, error) {
	for {
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
		case err := <-t.lost:
			return Delivery{}, fmt.Errorf("nats disconnected: %w", err)
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

func (t *NATSTransport) Ping(ctx context.Context) error {
	if t.nc.IsClosed() {
		return nats.ErrConnectionClosed
	}
	if !t.nc.IsConnected() {
		return nats.ErrConnectionReconnecting
	}
	return t.nc.FlushWithContext(ctx)
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.nc.Close()
	return errors.Join(errs...)
}

func (t *NATSTransport) enqueue(d Delivery) {
	t.mu.Lock()
	t.inbox = append(t.inbox, d)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}
