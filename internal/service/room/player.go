package room

import (
	gosync "sync"

	"github.com/couchsync/server/internal/domain"
)

// Player commands forwarded to the UI layer.
const (
	PlayerCommandPlay      = "play"
	PlayerCommandPause     = "pause"
	PlayerCommandSeek      = "seek"
	PlayerCommandSetRate   = "set_rate"
	PlayerCommandSetSource = "set_source"
)

type PlayerCommand struct {
	Command     string            `json:"command"`
	CurrentTime float64           `json:"current_time,omitempty"`
	Rate        float64           `json:"rate,omitempty"`
	SourceURL   string            `json:"source_url,omitempty"`
	SourceType  domain.SourceType `json:"source_type,omitempty"`
}

// uiPlayer mirrors the UI layer's media player. The UI reports its state over
// the control socket; control commands flow back as PLAYER_COMMAND events.
// The mirror is updated optimistically when a command is issued so repeated
// remote applications converge instead of re-triggering.
type uiPlayer struct {
	mu    gosync.RWMutex
	state domain.SyncState
	ready bool
	emit  func(eventType string, payload any)
}

func newUIPlayer(emit func(eventType string, payload any)) *uiPlayer {
	return &uiPlayer{
		state: domain.SyncState{
			Status:       domain.PlayerStatusPaused,
			PlaybackRate: 1,
		},
		emit: emit,
	}
}

func (p *uiPlayer) State() domain.SyncState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.state
}

func (p *uiPlayer) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.ready
}

// setLocalState replaces the mirror with what the UI reported.
func (p *uiPlayer) setLocalState(state domain.SyncState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
}

func (p *uiPlayer) setReady() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ready = true
}

func (p *uiPlayer) Play() {
	p.mu.Lock()
	p.state.Status = domain.PlayerStatusPlaying
	p.mu.Unlock()

	p.emit(OutputPlayerCommand, PlayerCommand{Command: PlayerCommandPlay})
}

func (p *uiPlayer) Pause() {
	p.mu.Lock()
	p.state.Status = domain.PlayerStatusPaused
	p.mu.Unlock()

	p.emit(OutputPlayerCommand, PlayerCommand{Command: PlayerCommandPause})
}

func (p *uiPlayer) SeekTo(seconds float64) {
	p.mu.Lock()
	p.state.CurrentTime = seconds
	p.mu.Unlock()

	p.emit(OutputPlayerCommand, PlayerCommand{Command: PlayerCommandSeek, CurrentTime: seconds})
}

func (p *uiPlayer) SetRate(rate float64) {
	p.mu.Lock()
	p.state.PlaybackRate = rate
	p.mu.Unlock()

	p.emit(OutputPlayerCommand, PlayerCommand{Command: PlayerCommandSetRate, Rate: rate})
}

func (p *uiPlayer) SetSource(url string, sourceType domain.SourceType) {
	p.mu.Lock()
	p.state.SourceURL = url
	p.state.SourceType = sourceType
	p.mu.Unlock()

	p.emit(OutputPlayerCommand, PlayerCommand{
		Command:    PlayerCommandSetSource,
		SourceURL:  url,
		SourceType: sourceType,
	})
}
