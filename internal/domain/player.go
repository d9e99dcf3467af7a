package domain

import "time"

type PlayerStatus string

const (
	PlayerStatusPlaying   PlayerStatus = "playing"
	PlayerStatusPaused    PlayerStatus = "paused"
	PlayerStatusBuffering PlayerStatus = "buffering"
)

type SourceType string

const (
	SourceTypeEmbeddedStream SourceType = "embedded-stream"
	SourceTypeLocalFile      SourceType = "local-file"
	SourceTypeDirectURL      SourceType = "direct-url"
	SourceTypeProviderHosted SourceType = "provider-hosted"
)

// SyncState is the authoritative playback snapshot. Only the current host
// originates snapshots that are treated as truth; followers apply them.
type SyncState struct {
	Status       PlayerStatus `json:"status"`
	CurrentTime  float64      `json:"current_time"`
	PlaybackRate float64      `json:"playback_rate"`
	SourceType   SourceType   `json:"source_type"`
	SourceURL    string       `json:"source_url"`
	UpdatedAt    time.Time    `json:"updated_at"`
	HostId       string       `json:"host_id"`
}

// Compensate advances CurrentTime by the wall-clock staleness of the
// snapshot when it was produced while playing. A late joiner that applies a
// persisted snapshot without compensation starts behind by the elapsed time.
func (s SyncState) Compensate(now time.Time) SyncState {
	if s.Status != PlayerStatusPlaying {
		return s
	}

	elapsed := now.Sub(s.UpdatedAt).Seconds()
	if elapsed > 0 {
		s.CurrentTime += elapsed * s.PlaybackRate
	}

	return s
}
