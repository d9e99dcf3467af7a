package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/couchsync/server/internal/repository/broadcast"
)

type bus struct {
	rc *redis.Client
}

func NewBus(rc *redis.Client) *bus {
	return &bus{rc: rc}
}

func (b bus) getEventsChannel(roomId string) string {
	return "room:" + roomId + ":events"
}

func (b bus) Publish(ctx context.Context, roomId, sender, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	event, err := json.Marshal(broadcast.Event{
		Name:    eventName,
		Sender:  sender,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rc.Publish(ctx, b.getEventsChannel(roomId), event).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Subscribe returns the stream of events broadcast in the room, including
// the subscriber's own. Echo suppression is the consumer's job, keyed on
// Event.Sender. The cancel func releases the subscription.
func (b bus) Subscribe(ctx context.Context, roomId string) (<-chan broadcast.Event, func()) {
	pubsub := b.rc.Subscribe(ctx, b.getEventsChannel(roomId))
	out := make(chan broadcast.Event)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event broadcast.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { pubsub.Close() }
}
