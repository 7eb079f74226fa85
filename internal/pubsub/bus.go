package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	// ErrBusUnavailable means the transport did not become ready within the
	// wait budget. Callers may retry later.
	ErrBusUnavailable = errors.New("pubsub: bus unavailable")

	ErrBusClosed = errors.New("pubsub: bus closed")
)

type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	// ReadyTimeout bounds how long Publish and Subscribe wait for a
	// degraded transport to come back.
	ReadyTimeout time.Duration
	// HealthInterval is how often the transport is pinged.
	HealthInterval time.Duration
	// ReconnectBackoff is the pause after a receive error.
	ReconnectBackoff time.Duration
	// QueueSize caps undelivered messages per subscription.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 2 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 500 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

// Bus multiplexes every channel and every local subscription over a
// single Transport.
type Bus struct {
	transport Transport
	opts      Options
	logger    *zap.Logger

	stateMu sync.Mutex
	state   State
	ready   chan struct{} // closed while state is StateReady

	// ctlMu serialises transport-level subscribe/unsubscribe so two
	// consumers racing on the same channel cannot both see "first" or
	// both see "last".
	ctlMu sync.Mutex
	mu    sync.RWMutex
	subs  map[string]map[*Subscription]struct{}

	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBus takes ownership of t and starts the receive and health loops.
func NewBus(t Transport, opts Options, logger *zap.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		transport: t,
		opts:      opts.withDefaults(),
		logger:    logger.Named("bus"),
		state:     StateInitializing,
		ready:     make(chan struct{}),
		subs:      make(map[string]map[*Subscription]struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	b.wg.Add(2)
	go b.receiveLoop(ctx)
	go b.monitorLoop(ctx)
	return b
}

func (b *Bus) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// WaitReady blocks until the bus is ready, ReadyTimeout passes, or ctx is done.
func (b *Bus) WaitReady(ctx context.Context) error {
	b.stateMu.Lock()
	state, ready := b.state, b.ready
	b.stateMu.Unlock()

	switch state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrBusClosed
	}

	timer := time.NewTimer(b.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-timer.C:
		return fmt.Errorf("%w: %s for %s", ErrBusUnavailable, state, b.opts.ReadyTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBusUnavailable, ctx.Err())
	}
}

// Publish encodes v and sends it on channel. Safe for concurrent use.
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	payload, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.WaitReady(ctx); err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, channel, payload); err != nil {
		if ctx.Err() == nil {
			b.setState(StateDegraded, err)
		}
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a new consumer on channel. The first consumer of a
// channel subscribes the transport; later ones share it.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := b.WaitReady(ctx); err != nil {
		return nil, err
	}

	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()

	if b.State() == StateClosed {
		return nil, ErrBusClosed
	}

	if b.ListenerCount(channel) == 0 {
		tctx, cancel := context.WithTimeout(ctx, b.opts.ReadyTimeout)
		err := b.transport.Subscribe(tctx, channel)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				b.setState(StateDegraded, err)
			}
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		b.logger.Debug("transport subscribed", zap.String("channel", channel))
	}

	s := newSubscription(b, channel, b.opts.QueueSize)
	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// ListenerCount reports how many local consumers are registered on channel.
func (b *Bus) ListenerCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close stops the loops, ends every subscription with ErrClosed and closes
// the transport.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		// Under ctlMu, a Subscribe either finishes registering before the
		// sweep below or observes StateClosed.
		b.ctlMu.Lock()
		b.setState(StateClosed, nil)
		close(b.done)

		b.mu.Lock()
		all := make([]*Subscription, 0)
		for _, set := range b.subs {
			all = append(all, lo.Keys(set)...)
		}
		b.subs = make(map[string]map[*Subscription]struct{})
		b.mu.Unlock()
		b.ctlMu.Unlock()

		b.cancel()

		for _, s := range all {
			s.terminate(ErrClosed, true)
		}

		err = b.transport.Close()
		b.wg.Wait()
	})
	return err
}

// release removes s and, if it was the channel's last consumer,
// unsubscribes the transport. Idempotent.
func (b *Bus) release(s *Subscription) {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()

	b.mu.Lock()
	set, ok := b.subs[s.channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, ok := set[s]; !ok {
		b.mu.Unlock()
		return
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(b.subs, s.channel)
	}
	b.mu.Unlock()

	if !last || b.State() == StateClosed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ReadyTimeout)
	defer cancel()
	if err := b.transport.Unsubscribe(ctx, s.channel); err != nil {
		b.logger.Warn("transport unsubscribe failed",
			zap.String("channel", s.channel),
			zap.Error(err),
		)
		return
	}
	b.logger.Debug("transport unsubscribed", zap.String("channel", s.channel))
}

func (b *Bus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		d, err := b.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.setState(StateDegraded, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.ReconnectBackoff):
			}
			continue
		}
		b.dispatch(d)
	}
}

// dispatch runs only on the receive loop, so each consumer sees a
// channel's messages in the order the transport delivered them.
func (b *Bus) dispatch(d Delivery) {
	b.mu.RLock()
	targets := lo.Keys(b.subs[d.Channel])
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.push(d); !errors.Is(err, ErrSlowConsumer) {
			// nil, or already finished by its owner
			continue
		}
		b.logger.Warn("dropping subscriber",
			zap.String("channel", d.Channel),
			zap.Error(ErrSlowConsumer),
		)
		go b.release(s)
	}
}

func (b *Bus) monitorLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()

	for {
		b.probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bus) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, b.opts.ReadyTimeout)
	defer cancel()

	if err := b.transport.Ping(pctx); err != nil {
		if ctx.Err() == nil {
			b.setState(StateDegraded, err)
		}
		return
	}
	b.setState(StateReady, nil)
}

func (b *Bus) setState(next State, cause error) {
	b.stateMu.Lock()
	prev := b.state
	if prev == next || prev == StateClosed {
		b.stateMu.Unlock()
		return
	}
	b.state = next
	switch {
	case next == StateReady:
		close(b.ready)
	case prev == StateReady:
		b.ready = make(chan struct{})
	}
	b.stateMu.Unlock()

	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", next)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if next == StateDegraded {
		b.logger.Warn("bus state changed", fields...)
		return
	}
	b.logger.Info("bus state changed", fields...)
}
