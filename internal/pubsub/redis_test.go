package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisBus(t *testing.T, mr *miniredis.Miniredis) *Bus {
	t.Helper()
	tr, err := NewRedisTransport(context.Background(), &redis.Options{
		Addr:     mr.Addr(),
		Protocol: 2,
	})
	require.NoError(t, err)
	b := NewBus(tr, fastOpts, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.WaitReady(context.Background()))
	return b
}

func waitRedisSubscribers(t *testing.T, mr *miniredis.Miniredis, channel string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRedisTransport_CrossInstanceFanOut(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// Given two instances on one Redis, each with a consumer
	instanceA := newRedisBus(t, mr)
	instanceB := newRedisBus(t, mr)

	onA, err := instanceA.Subscribe(ctx, "messages:c1")
	req.NoError(err)
	onB, err := instanceB.Subscribe(ctx, "messages:c1")
	req.NoError(err)

	// When instance B publishes two messages
	req.NoError(instanceB.Publish(ctx, "messages:c1", ping{Seq: 1, Text: "hello"}))
	req.NoError(instanceB.Publish(ctx, "messages:c1", ping{Seq: 2, Text: "hi"}))

	// Then both consumers see them in order
	req.Equal("hello", nextPing(t, onA).Text)
	req.Equal("hi", nextPing(t, onA).Text)
	req.Equal("hello", nextPing(t, onB).Text)
	req.Equal("hi", nextPing(t, onB).Text)
}

func TestRedisTransport_SubscribeReturnsAfterServerAck(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	reader := newRedisBus(t, mr)
	writer := newRedisBus(t, mr)

	for i := range 50 {
		channel := fmt.Sprintf("messages:ack-%d", i)

		// Given a consumer whose Subscribe just returned
		sub, err := reader.Subscribe(ctx, channel)
		req.NoError(err)

		// When another instance publishes straight away
		req.NoError(writer.Publish(ctx, channel, ping{Seq: i}))

		// Then the consumer still gets it
		req.Equal(i, nextPing(t, sub).Seq)
		req.NoError(sub.Close())
	}
}

func TestRedisTransport_SubscribeHonoursContext(t *testing.T) {
	mr := miniredis.RunT(t)
	tr, err := NewRedisTransport(context.Background(), &redis.Options{Addr: mr.Addr(), Protocol: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	// Nothing is reading acks, so the subscribe can only end by deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = tr.Subscribe(ctx, "messages:c1")

	require.ErrorIs(t, err, context.DeadlineExceeded)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Empty(t, tr.waiters)
}

func TestRedisTransport_OneConnectionPerInstance(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)

	first, err := bus.Subscribe(ctx, "messages:c1")
	req.NoError(err)
	second, err := bus.Subscribe(ctx, "messages:c1")
	req.NoError(err)

	// Two local consumers share a single Redis subscription
	waitRedisSubscribers(t, mr, "messages:c1", 1)

	req.NoError(first.Close())
	waitRedisSubscribers(t, mr, "messages:c1", 1)

	req.NoError(second.Close())
	waitRedisSubscribers(t, mr, "messages:c1", 0)
}

func TestRedisTransport_DegradesWhenServerStops(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)

	_, err := bus.Subscribe(ctx, "messages:c1")
	req.NoError(err)

	mr.Close()
	req.Eventually(func() bool { return bus.State() == StateDegraded }, 2*time.Second, 5*time.Millisecond)

	err = bus.Publish(ctx, "messages:c1", ping{Seq: 1})
	req.ErrorIs(err, ErrBusUnavailable)
}

func TestNewRedisTransport_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisTransport(ctx, &redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})

	require.ErrorContains(t, err, "ping redis")
}
