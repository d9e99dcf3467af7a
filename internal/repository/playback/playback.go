package playback

import "errors"

var ErrPlayerNotFound = errors.New("player not found")

// Player is the persisted playback row, one per room, last-writer-wins.
// Only the current host writes it; late joiners reconstruct state from it.
type Player struct {
	Status       string  `redis:"status"`
	CurrentTime  float64 `redis:"current_time"`
	PlaybackRate float64 `redis:"playback_rate"`
	SourceType   string  `redis:"source_type"`
	SourceURL    string  `redis:"source_url"`
	UpdatedAt    int64   `redis:"updated_at"`
	HostId       string  `redis:"host_id"`
}

type SetPlayerParams struct {
	Player Player
	RoomId string
}
