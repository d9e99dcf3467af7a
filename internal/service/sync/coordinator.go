package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/repository/broadcast"
	"github.com/couchsync/server/internal/repository/playback"
)

type Role int

const (
	RoleUnbound Role = iota
	RoleHost
	RoleFollower
)

type iPlaybackRepo interface {
	SetPlayer(context.Context, *playback.SetPlayerParams) error
	GetPlayer(ctx context.Context, roomId string) (playback.Player, error)
}

type iBroadcastBus interface {
	Publish(ctx context.Context, roomId, sender, eventName string, payload any) error
	Subscribe(ctx context.Context, roomId string) (<-chan broadcast.Event, func())
}

// iPlayer is the local media player controlled by the coordinator. The UI
// layer implements it; all methods are called from the coordinator loop only.
type iPlayer interface {
	State() domain.SyncState
	Ready() bool
	Play()
	Pause()
	SeekTo(seconds float64)
	SetRate(rate float64)
	SetSource(url string, sourceType domain.SourceType)
}

type Config struct {
	HeartbeatInterval time.Duration
	DriftThreshold    float64
}

// Coordinator keeps exactly one authoritative playback clock per room and
// propagates it. One instance per participant per room; all state below the
// control channel is owned by the Run loop.
type Coordinator struct {
	roomId        string
	participantId string
	playbackRepo  iPlaybackRepo
	bus           iBroadcastBus
	player        iPlayer
	drift         Detector
	interval      time.Duration
	logger        *slog.Logger

	control chan controlEvent

	onPlaybackChanged func(domain.SyncState)

	// loop-owned
	role            Role
	announcedAt     time.Time
	pending         *domain.SyncState
	lastSentStatus  domain.PlayerStatus
	appliedStatus   domain.PlayerStatus
	appliedStatusOk bool
}

type CoordinatorParams struct {
	RoomId            string
	ParticipantId     string
	PlaybackRepo      iPlaybackRepo
	Bus               iBroadcastBus
	Player            iPlayer
	Config            *Config
	Logger            *slog.Logger
	OnPlaybackChanged func(domain.SyncState)
}

func NewCoordinator(params *CoordinatorParams) *Coordinator {
	return &Coordinator{
		roomId:            params.RoomId,
		participantId:     params.ParticipantId,
		playbackRepo:      params.PlaybackRepo,
		bus:               params.Bus,
		player:            params.Player,
		drift:             Detector{Threshold: params.Config.DriftThreshold},
		interval:          params.Config.HeartbeatInterval,
		logger:            params.Logger,
		control:           make(chan controlEvent, 16),
		onPlaybackChanged: params.OnPlaybackChanged,
	}
}

func (c *Coordinator) Role() Role {
	return c.role
}

// BecomeHost designates the local participant as playback authority.
func (c *Coordinator) BecomeHost() {
	c.control <- controlEvent{kind: evBecomeHost}
}

// NotifyLocalChange signals that the local player state changed (play, pause,
// seek, rate or source). Only a host reacts; followers never originate
// authoritative state.
func (c *Coordinator) NotifyLocalChange() {
	c.control <- controlEvent{kind: evLocalChange}
}

// NotifyPlayerReady signals that the local player finished initializing and
// can accept state changes.
func (c *Coordinator) NotifyPlayerReady() {
	c.control <- controlEvent{kind: evPlayerReady}
}

// RequestState asks the current host for an immediate snapshot.
func (c *Coordinator) RequestState() {
	c.control <- controlEvent{kind: evRequestState}
}

// Run executes the coordinator loop until ctx is cancelled. It subscribes to
// the room's broadcast channel, reconstructs state from the persisted row,
// then reacts to heartbeat ticks, control events and remote broadcasts.
func (c *Coordinator) Run(ctx context.Context) error {
	events, cancel := c.bus.Subscribe(ctx, c.roomId)
	defer cancel()

	c.reconstruct(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.onTick(ctx)
		case ev := <-c.control:
			c.onControl(ctx, ev)
		case event, ok := <-events:
			if !ok {
				return errors.New("broadcast subscription closed")
			}
			c.onBroadcast(ctx, event)
		}
	}
}

// reconstruct applies the last persisted snapshot so a late joiner does not
// wait for a live broadcast. A snapshot persisted while playing is stale by
// the elapsed wall-clock time and must be compensated before applying.
func (c *Coordinator) reconstruct(ctx context.Context) {
	player, err := c.playbackRepo.GetPlayer(ctx, c.roomId)
	if err != nil {
		if !errors.Is(err, playback.ErrPlayerNotFound) {
			c.logger.ErrorContext(ctx, "failed to reconstruct playback state", "error", err)
		}
		return
	}

	state := fromPlayerRow(player).Compensate(time.Now())
	c.applyRemote(state)
}

func (c *Coordinator) onTick(ctx context.Context) {
	if c.role != RoleHost {
		return
	}

	state := c.snapshot()
	if state.Status != domain.PlayerStatusPlaying && state.Status == c.lastSentStatus {
		// Idle states are sent once on change; only playing is polled.
		return
	}

	c.broadcastState(ctx, state)
}

func (c *Coordinator) onControl(ctx context.Context, ev controlEvent) {
	switch ev.kind {
	case evBecomeHost:
		c.role = RoleHost
		c.announcedAt = time.Now()
		if err := c.bus.Publish(ctx, c.roomId, c.participantId, EventHostAnnounce, HostAnnounce{
			HostId:      c.participantId,
			AnnouncedAt: c.announcedAt,
		}); err != nil {
			c.logger.ErrorContext(ctx, "failed to announce host", "error", err)
		}
		c.broadcastState(ctx, c.snapshot())
	case evLocalChange:
		if c.role != RoleHost {
			return
		}
		c.broadcastState(ctx, c.snapshot())
	case evPlayerReady:
		if c.pending == nil {
			return
		}
		state := *c.pending
		c.pending = nil
		c.applyRemote(state)
	case evRequestState:
		if err := c.bus.Publish(ctx, c.roomId, c.participantId, EventStateRequest, struct{}{}); err != nil {
			c.logger.ErrorContext(ctx, "failed to request state", "error", err)
		}
	}
}

func (c *Coordinator) onBroadcast(ctx context.Context, event broadcast.Event) {
	if event.Sender == c.participantId {
		return
	}

	switch event.Name {
	case EventHostAnnounce:
		var announce HostAnnounce
		if err := json.Unmarshal(event.Payload, &announce); err != nil {
			return
		}
		c.onHostAnnounce(ctx, announce)
	case EventSyncState:
		if c.role == RoleHost {
			return
		}
		var state domain.SyncState
		if err := json.Unmarshal(event.Payload, &state); err != nil {
			return
		}
		c.applyRemote(state)
	case EventStateRequest:
		if c.role != RoleHost {
			return
		}
		c.broadcastState(ctx, c.snapshot())
	}
}

// onHostAnnounce handles authority transfer. The most recently announced host
// wins: a current host that sees a later announce yields and stops
// broadcasting on its next would-be tick. Announces with the exact same
// timestamp are broken over participant id so both sides converge on one host.
func (c *Coordinator) onHostAnnounce(ctx context.Context, announce HostAnnounce) {
	if c.role == RoleHost {
		if announce.AnnouncedAt.Before(c.announcedAt) {
			return
		}
		if announce.AnnouncedAt.Equal(c.announcedAt) &&
			domain.ResolveInitiator(c.participantId, announce.HostId) == c.participantId {
			return
		}
		c.logger.InfoContext(ctx, "yielding host authority", "new_host", announce.HostId)
	}

	c.role = RoleFollower
	c.announcedAt = announce.AnnouncedAt
}

// applyRemote applies an authoritative snapshot to the local player. Play and
// pause are edge-triggered and applied unconditionally; seeks are gated by
// the drift detector. A player that is not ready buffers exactly one pending
// snapshot, freshest wins.
func (c *Coordinator) applyRemote(state domain.SyncState) {
	if !c.player.Ready() {
		c.pending = &state
		return
	}

	local := c.player.State()

	if state.SourceURL != "" && state.SourceURL != local.SourceURL {
		c.player.SetSource(state.SourceURL, state.SourceType)
	}

	if state.PlaybackRate > 0 && state.PlaybackRate != local.PlaybackRate {
		c.player.SetRate(state.PlaybackRate)
	}

	if c.drift.ShouldSeek(local.CurrentTime, state.CurrentTime) {
		c.player.SeekTo(state.CurrentTime)
	}

	if !c.appliedStatusOk || state.Status != c.appliedStatus {
		switch state.Status {
		case domain.PlayerStatusPlaying:
			c.player.Play()
		case domain.PlayerStatusPaused, domain.PlayerStatusBuffering:
			c.player.Pause()
		}
		c.appliedStatus = state.Status
		c.appliedStatusOk = true
	}

	if c.onPlaybackChanged != nil {
		c.onPlaybackChanged(state)
	}
}

func (c *Coordinator) snapshot() domain.SyncState {
	state := c.player.State()
	state.UpdatedAt = time.Now()
	state.HostId = c.participantId

	return state
}

// broadcastState publishes the snapshot and persists it as the room's
// playback row. Failures are logged only; the next heartbeat tick re-sends
// current truth, which is what makes the redundant-heartbeat design
// self-healing against message loss.
func (c *Coordinator) broadcastState(ctx context.Context, state domain.SyncState) {
	if err := c.bus.Publish(ctx, c.roomId, c.participantId, EventSyncState, state); err != nil {
		c.logger.ErrorContext(ctx, "failed to broadcast sync state", "error", err)
	}

	if err := c.playbackRepo.SetPlayer(ctx, &playback.SetPlayerParams{
		Player: toPlayerRow(state),
		RoomId: c.roomId,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist sync state", "error", err)
	}

	c.lastSentStatus = state.Status
}

func toPlayerRow(state domain.SyncState) playback.Player {
	return playback.Player{
		Status:       string(state.Status),
		CurrentTime:  state.CurrentTime,
		PlaybackRate: state.PlaybackRate,
		SourceType:   string(state.SourceType),
		SourceURL:    state.SourceURL,
		UpdatedAt:    state.UpdatedAt.UnixMilli(),
		HostId:       state.HostId,
	}
}

func fromPlayerRow(player playback.Player) domain.SyncState {
	return domain.SyncState{
		Status:       domain.PlayerStatus(player.Status),
		CurrentTime:  player.CurrentTime,
		PlaybackRate: player.PlaybackRate,
		SourceType:   domain.SourceType(player.SourceType),
		SourceURL:    player.SourceURL,
		UpdatedAt:    time.UnixMilli(player.UpdatedAt),
		HostId:       player.HostId,
	}
}
