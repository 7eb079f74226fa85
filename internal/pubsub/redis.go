package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// receivePoll bounds each blocking read on the subscriber connection so
// Receive can notice ctx cancellation.
const receivePoll = time.Second

// RedisTransport publishes on the client's pool and receives on a single
// dedicated PubSub connection. go-redis re-establishes that connection and
// its channel set after a network failure.
//
// SUBSCRIBE only writes the command, so Subscribe parks on a waiter until
// Receive reads the server's confirmation for that channel.
type RedisTransport struct {
	client *redis.Client
	ps     *redis.PubSub

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport connects and verifies the server answers a PING.
func NewRedisTransport(ctx context.Context, opts *redis.Options) (*RedisTransport, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &RedisTransport{
		client:  client,
		ps:      client.Subscribe(ctx),
		waiters: make(map[string][]chan struct{}),
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so a
// message published afterwards is guaranteed to reach Receive. It needs
// Receive to be running in another goroutine.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) error {
	acked := make(chan struct{})
	t.mu.Lock()
	t.waiters[channel] = append(t.waiters[channel], acked)
	t.mu.Unlock()

	if err := t.ps.Subscribe(ctx, channel); err != nil {
		t.dropWaiter(channel, acked)
		return err
	}
	select {
	case <-acked:
		return nil
	case <-ctx.Done():
		t.dropWaiter(channel, acked)
		return fmt.Errorf("await subscribe ack for %s: %w", channel, ctx.Err())
	}
}

func (t *RedisTransport) dropWaiter(channel string, acked chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rest := lo.Without(t.waiters[channel], acked)
	if len(rest) == 0 {
		delete(t.waiters, channel)
		return
	}
	t.waiters[channel] = rest
}

// acknowledge releases everyone waiting on channel's subscribe ack.
// go-redis replays SUBSCRIBE after a reconnect; those acks find no waiter.
func (t *RedisTransport) acknowledge(channel string) {
	t.mu.Lock()
	waiting := t.waiters[channel]
	delete(t.waiters, channel)
	t.mu.Unlock()
	for _, acked := range waiting {
		close(acked)
	}
}

func (t *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	return t.ps.Unsubscribe(ctx, channel)
}

func (t *RedisTransport) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		msg, err := t.ps.ReceiveTimeout(ctx, receivePoll)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return Delivery{}, fmt.Errorf("redis receive: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Message:
			return Delivery{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				t.acknowledge(m.Channel)
			}
		case *redis.Pong:
			// reply to our own ping
		default:
			return Delivery{}, fmt.Errorf("redis receive: unexpected %T", msg)
		}
	}
}

// Ping checks the publishing pool and the subscriber connection.
func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping publisher: %w", err)
	}
	if err := t.ps.Ping(ctx); err != nil {
		return fmt.Errorf("ping subscriber: %w", err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return errors.Join(t.ps.Close(), t.client.Close())
}
