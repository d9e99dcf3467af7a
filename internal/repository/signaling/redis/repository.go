package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/repository/signaling"
)

type repo struct {
	rc             *redis.Client
	expireDuration time.Duration
}

func NewRepo(rc *redis.Client, expireDuration time.Duration) *repo {
	return &repo{
		rc:             rc,
		expireDuration: expireDuration,
	}
}

func (r repo) getSignalsKey(roomId string) string {
	return "room:" + roomId + ":signals"
}

func (r repo) getInsertedChannel(roomId string) string {
	return "room:" + roomId + ":signals:inserted"
}

// Insert appends the record to the room's signal log and publishes an insert
// notification for live subscribers. The log copy is what briefly
// disconnected participants catch up from.
func (r repo) Insert(ctx context.Context, record *domain.SignalRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal signal record: %w", err)
	}

	signalsKey := r.getSignalsKey(record.RoomId)
	pipe := r.rc.TxPipeline()
	pipe.ZAdd(ctx, signalsKey, redis.Z{
		Score:  float64(record.CreatedAt.UnixMilli()),
		Member: data,
	})
	pipe.Expire(ctx, signalsKey, r.expireDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert signal record: %w", err)
	}

	if err := r.rc.Publish(ctx, r.getInsertedChannel(record.RoomId), data).Err(); err != nil {
		return fmt.Errorf("failed to publish insert notification: %w", err)
	}

	return nil
}

func (r repo) Query(ctx context.Context, params *signaling.QueryParams) ([]domain.SignalRecord, error) {
	min := "-inf"
	if !params.AfterTime.IsZero() {
		min = "(" + strconv.FormatInt(params.AfterTime.UnixMilli(), 10)
	}

	members, err := r.rc.ZRangeByScore(ctx, r.getSignalsKey(params.RoomId), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query signal records: %w", err)
	}

	records := make([]domain.SignalRecord, 0, len(members))
	for _, member := range members {
		var record domain.SignalRecord
		if err := json.Unmarshal([]byte(member), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal record: %w", err)
		}

		if params.Sender != "" && record.Sender != params.Sender {
			continue
		}
		if params.Type != "" && record.Type != params.Type {
			continue
		}

		records = append(records, record)
	}

	return records, nil
}

func (r repo) DeleteOlderThan(ctx context.Context, params *signaling.DeleteOlderThanParams) error {
	cutoff := time.Now().Add(-params.Age).UnixMilli()
	max := strconv.FormatInt(cutoff, 10)
	if err := r.rc.ZRemRangeByScore(ctx, r.getSignalsKey(params.RoomId), "-inf", max).Err(); err != nil {
		return fmt.Errorf("failed to delete old signal records: %w", err)
	}

	return nil
}

// OnInsert subscribes to insert notifications for the room. The returned
// cancel func must be called to release the subscription. Delivery is
// best-effort; consumers fall back to Query for anything missed.
func (r repo) OnInsert(ctx context.Context, roomId string) (<-chan domain.SignalRecord, func()) {
	pubsub := r.rc.Subscribe(ctx, r.getInsertedChannel(roomId))
	out := make(chan domain.SignalRecord)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var record domain.SignalRecord
			if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
				continue
			}

			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { pubsub.Close() }
}
