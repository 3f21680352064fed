package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"hoot-game-service/internal/domain"
)

// Broadcaster fans session events out over Redis Pub/Sub so every service
// instance sees every event. Pub/Sub is at-most-once: a subscriber that is
// disconnected or falls behind loses events, and observers recover by
// re-reading session state.
type Broadcaster struct {
	client *redis.Client
	buffer int
	log    *logrus.Entry
}

func NewBroadcaster(client *redis.Client, buffer int, log *logrus.Entry) *Broadcaster {
	if buffer < 1 {
		buffer = 16
	}
	return &Broadcaster{client: client, buffer: buffer, log: log}
}

func (b *Broadcaster) Publish(ctx context.Context, topic string, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server, so no
// event published afterwards is missed. The channel is closed on cancel, on
// ctx done, or when the subscriber falls behind.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan domain.Event, func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Event, b.buffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.WithError(err).WithField("topic", topic).Warn("drop undecodable event")
					continue
				}
				select {
				case out <- ev:
				default:
					b.log.WithField("topic", topic).Warn("subscriber fell behind, closing")
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
