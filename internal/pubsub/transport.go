// Package pubsub is the channel bus shared by every chat instance.
//
// A Bus owns exactly one Transport, which in turn owns one publishing and
// one subscribing connection to the broker. All channels and all local
// subscriptions are multiplexed over that pair.
package pubsub

import (
	"context"

	"github.com/goccy/go-json"
)

// Transport is the broker connection pair a Bus drives.
//
// Subscribe and Unsubscribe are only ever called by the Bus, serialised,
// once per channel transition (first listener in, last listener out).
// Receive is only called from the Bus receive loop.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error

	// Receive blocks until a message arrives on any subscribed channel.
	// A non-nil error means the subscribing connection is unhealthy.
	Receive(ctx context.Context) (Delivery, error)

	// Ping checks both connections.
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one message received from the broker.
type Delivery struct {
	Channel string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (d Delivery) Decode(v any) error {
	return json.Unmarshal(d.Payload, v)
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
