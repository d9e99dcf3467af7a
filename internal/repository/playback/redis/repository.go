package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couchsync/server/internal/repository/playback"
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

func (r repo) getPlayerKey(roomId string) string {
	return "room:" + roomId + ":player"
}

// SetPlayer upserts the room's playback row.
func (r repo) SetPlayer(ctx context.Context, params *playback.SetPlayerParams) error {
	playerKey := r.getPlayerKey(params.RoomId)

	pipe := r.rc.TxPipeline()
	pipe.HSet(ctx, playerKey, params.Player)
	pipe.Expire(ctx, playerKey, r.expireDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set player: %w", err)
	}

	return nil
}

func (r repo) GetPlayer(ctx context.Context, roomId string) (playback.Player, error) {
	playerKey := r.getPlayerKey(roomId)

	res, err := r.rc.Exists(ctx, playerKey).Result()
	if err != nil {
		return playback.Player{}, fmt.Errorf("failed to check if player exists: %w", err)
	}
	if res == 0 {
		return playback.Player{}, playback.ErrPlayerNotFound
	}

	var player playback.Player
	if err := r.rc.HGetAll(ctx, playerKey).Scan(&player); err != nil {
		return playback.Player{}, fmt.Errorf("failed to get player: %w", err)
	}

	r.rc.Expire(ctx, playerKey, r.expireDuration)

	return player, nil
}

func (r repo) RemovePlayer(ctx context.Context, roomId string) error {
	res, err := r.rc.Del(ctx, r.getPlayerKey(roomId)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove player: %w", err)
	}
	if res == 0 {
		return playback.ErrPlayerNotFound
	}

	return nil
}
