package chat

import (
	"context"

	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/pubsub"
	"go.uber.org/zap"
)

// Stream is a subscriber's view of one chat: decoded message events in the
// order they were published.
type Stream struct {
	sub    *pubsub.Subscription
	logger *zap.Logger
}

func newStream(sub *pubsub.Subscription, logger *zap.Logger) *Stream {
	return &Stream{
		sub:    sub,
		logger: logger.With(zap.String("channel", sub.Channel())),
	}
}

// Next blocks for the next event. Payloads that do not decode are skipped.
func (st *Stream) Next(ctx context.Context) (*models.MessageEvent, error) {
	for {
		d, err := st.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		var evt models.MessageEvent
		if err := d.Decode(&evt); err != nil {
			st.logger.Warn("skipping undecodable event", zap.Error(err))
			continue
		}
		return &evt, nil
	}
}

func (st *Stream) Close() error {
	return st.sub.Close()
}
