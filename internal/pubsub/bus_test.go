package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fastOpts = Options{
	ReadyTimeout:     200 * time.Millisecond,
	HealthInterval:   10 * time.Millisecond,
	ReconnectBackoff: 5 * time.Millisecond,
	QueueSize:        16,
}

type ping struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

func newTestBus(t *testing.T, broker *Broker, opts Options) (*Bus, *MemoryTransport) {
	t.Helper()
	tr := broker.Transport()
	b := NewBus(tr, opts, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.WaitReady(context.Background()))
	return b, tr
}

func nextPing(t *testing.T, s *Subscription) ping {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := s.Next(ctx)
	require.NoError(t, err)
	var p ping
	require.NoError(t, d.Decode(&p))
	return p
}

func TestBus_FanOutToEveryListener(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := NewBroker()
	bus, _ := newTestBus(t, broker, fastOpts)

	// Given two consumers on the same channel
	first, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)
	second, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)

	req.Equal(2, bus.ListenerCount("messages:a"))
	req.Equal(1, broker.Subscribers("messages:a"))

	// When one message is published
	req.NoError(bus.Publish(ctx, "messages:a", ping{Seq: 1, Text: "hello"}))

	// Then both receive it
	req.Equal(ping{Seq: 1, Text: "hello"}, nextPing(t, first))
	req.Equal(ping{Seq: 1, Text: "hello"}, nextPing(t, second))
}

func TestBus_ChannelsAreIsolated(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus, _ := newTestBus(t, NewBroker(), fastOpts)

	a, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)
	b, err := bus.Subscribe(ctx, "messages:b")
	req.NoError(err)

	req.NoError(bus.Publish(ctx, "messages:b", ping{Seq: 7}))

	req.Equal(7, nextPing(t, b).Seq)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = a.Next(short)
	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestBus_LastListenerUnsubscribesTransport(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := NewBroker()
	bus, _ := newTestBus(t, broker, fastOpts)

	first, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)
	second, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)

	// When one of two consumers leaves, the transport stays subscribed
	req.NoError(first.Close())
	req.Equal(1, bus.ListenerCount("messages:a"))
	req.Equal(1, broker.Subscribers("messages:a"))

	// When the last one leaves, it does not
	req.NoError(second.Close())
	req.Equal(0, bus.ListenerCount("messages:a"))
	req.Equal(0, broker.Subscribers("messages:a"))

	// Closing again changes nothing
	req.NoError(second.Close())
	req.Equal(0, bus.ListenerCount("messages:a"))
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus, _ := newTestBus(t, NewBroker(), fastOpts)

	sub, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)

	for i := range 10 {
		req.NoError(bus.Publish(ctx, "messages:a", ping{Seq: i}))
	}
	for i := range 10 {
		req.Equal(i, nextPing(t, sub).Seq)
	}
}

func TestBus_CrossInstanceDelivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := NewBroker()

	// Given two instances sharing one broker
	instanceA, _ := newTestBus(t, broker, fastOpts)
	instanceB, _ := newTestBus(t, broker, fastOpts)

	onA, err := instanceA.Subscribe(ctx, "messages:a")
	req.NoError(err)
	onB, err := instanceB.Subscribe(ctx, "messages:a")
	req.NoError(err)

	// When instance A publishes
	req.NoError(instanceA.Publish(ctx, "messages:a", ping{Seq: 1, Text: "hi"}))

	// Then consumers on both instances see it exactly once
	req.Equal("hi", nextPing(t, onA).Text)
	req.Equal("hi", nextPing(t, onB).Text)
	req.Equal(2, broker.Subscribers("messages:a"))
}

func TestBus_WaitsForReadinessThenGivesUp(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := NewBroker()
	bus, _ := newTestBus(t, broker, fastOpts)

	// Given the broker went away
	broker.Disconnect()
	req.Eventually(func() bool { return bus.State() == StateDegraded }, time.Second, 5*time.Millisecond)

	// When publishing and subscribing
	started := time.Now()
	err := bus.Publish(ctx, "messages:a", ping{Seq: 1})

	// Then both wait out the ready timeout and fail retryably
	req.ErrorIs(err, ErrBusUnavailable)
	req.True(time.Since(started) >= fastOpts.ReadyTimeout)

	_, err = bus.Subscribe(ctx, "messages:a")
	req.ErrorIs(err, ErrBusUnavailable)
}

func TestBus_RecoversAfterReconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := NewBroker()
	opts := fastOpts
	opts.ReadyTimeout = 2 * time.Second
	bus, _ := newTestBus(t, broker, opts)

	sub, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)

	broker.Disconnect()
	req.Eventually(func() bool { return bus.State() == StateDegraded }, time.Second, 5*time.Millisecond)

	// A publish issued while degraded parks until the bus is ready again
	published := make(chan error, 1)
	go func() {
		published <- bus.Publish(ctx, "messages:a", ping{Seq: 42})
	}()

	time.Sleep(30 * time.Millisecond)
	broker.Reconnect()

	select {
	case err := <-published:
		req.NoError(err)
	case <-time.After(time.Second):
		req.Fail("publish did not resume after reconnect")
	}
	req.Equal(StateReady, bus.State())

	// The existing subscription survived the outage
	req.Equal(42, nextPing(t, sub).Seq)
}

func TestBus_SlowConsumerIsDropped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	opts := fastOpts
	opts.QueueSize = 2
	broker := NewBroker()
	bus, _ := newTestBus(t, broker, opts)

	slow, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)
	fast, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)

	// Given a consumer that never reads while three messages arrive
	for i := range 3 {
		req.NoError(bus.Publish(ctx, "messages:a", ping{Seq: i}))
		req.Equal(i, nextPing(t, fast).Seq)
	}

	// Then it drains what fit and learns it was dropped
	req.Equal(0, nextPing(t, slow).Seq)
	req.Equal(1, nextPing(t, slow).Seq)
	_, err = slow.Next(ctx)
	req.ErrorIs(err, ErrSlowConsumer)

	req.Eventually(func() bool { return bus.ListenerCount("messages:a") == 1 }, time.Second, 5*time.Millisecond)
	req.Equal(1, broker.Subscribers("messages:a"))
}

func TestBus_CloseEndsEverySubscription(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := NewBroker()
	bus, tr := newTestBus(t, broker, fastOpts)

	subs := make([]*Subscription, 0, 3)
	for i := range 3 {
		s, err := bus.Subscribe(ctx, fmt.Sprintf("messages:%d", i))
		req.NoError(err)
		subs = append(subs, s)
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := subs[0].Next(ctx)
		blocked <- err
	}()

	req.NoError(bus.Close())
	req.Equal(StateClosed, bus.State())

	select {
	case err := <-blocked:
		req.ErrorIs(err, ErrClosed)
	case <-time.After(time.Second):
		req.Fail("Next did not return after Close")
	}
	for _, s := range subs {
		_, err := s.Next(ctx)
		req.ErrorIs(err, ErrClosed)
		req.NoError(s.Close())
	}

	_, err := bus.Subscribe(ctx, "messages:0")
	req.ErrorIs(err, ErrBusClosed)
	err = bus.Publish(ctx, "messages:0", ping{})
	req.ErrorIs(err, ErrBusClosed)
	req.ErrorIs(tr.Ping(ctx), ErrClosed)
}

func TestBus_CloseRacingSubscribe(t *testing.T) {
	req := require.New(t)
	bus, _ := newTestBus(t, NewBroker(), fastOpts)

	// Given a burst of subscribers racing a Close
	const n = 50
	start := make(chan struct{})
	subs := make(chan *Subscription, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := bus.Subscribe(context.Background(), fmt.Sprintf("messages:%d", i%5))
			if err != nil {
				errs <- err
				return
			}
			subs <- s
		}()
	}
	close(start)
	req.NoError(bus.Close())
	wg.Wait()
	close(subs)
	close(errs)

	for err := range errs {
		req.ErrorIs(err, ErrBusClosed)
	}

	// Then every subscription that was handed out has been ended
	for s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := s.Next(ctx)
		cancel()
		req.ErrorIs(err, ErrClosed)
	}
}

func TestBus_SlowConsumerIsReportedOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	opts := fastOpts
	opts.QueueSize = 1

	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewBus(NewBroker().Transport(), opts, zap.New(core))
	t.Cleanup(func() { _ = bus.Close() })
	req.NoError(bus.WaitReady(ctx))

	// Given a consumer that never reads and one that does
	_, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)
	reader, err := bus.Subscribe(ctx, "messages:a")
	req.NoError(err)

	// When far more messages arrive than the idle one can hold
	for i := range 10 {
		req.NoError(bus.Publish(ctx, "messages:a", ping{Seq: i}))
		req.Equal(i, nextPing(t, reader).Seq)
	}

	// Then it is dropped, and logged, exactly once
	req.Eventually(func() bool { return bus.ListenerCount("messages:a") == 1 }, time.Second, 5*time.Millisecond)
	req.Equal(1, logs.FilterMessage("dropping subscriber").Len())
}

func TestBus_PublishEncodeFailure(t *testing.T) {
	bus, tr := newTestBus(t, NewBroker(), fastOpts)

	err := bus.Publish(context.Background(), "messages:a", func() {})

	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBusUnavailable))
	require.Equal(t, 0, tr.Publishes())
}

func TestState_String(t *testing.T) {
	req := require.New(t)
	req.Equal("initializing", StateInitializing.String())
	req.Equal("ready", StateReady.String())
	req.Equal("degraded", StateDegraded.String())
	req.Equal("closed", StateClosed.String())
	req.Equal("state(9)", State(9).String())
}
