package room

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/service/call"
	"github.com/couchsync/server/internal/service/rtc"
	"github.com/couchsync/server/internal/service/sync"
)

// Outbound event names consumed by the UI layer.
const (
	OutputPlaybackChanged          = "PLAYBACK_CHANGED"
	OutputPlayerCommand            = "PLAYER_COMMAND"
	OutputRemoteStreamAvailable    = "REMOTE_STREAM_AVAILABLE"
	OutputConnectionQualityChanged = "CONNECTION_QUALITY_CHANGED"
	OutputCallEnded                = "CALL_ENDED"
	OutputCallFailed               = "CALL_FAILED"
)

// Session is one participant's membership in a room: the local player
// mirror, the sync coordinator and the call coordinator, wired together and
// torn down as a unit.
type Session struct {
	roomId        string
	participantId string

	player    *uiPlayer
	syncCoord *sync.Coordinator
	callCoord *call.Coordinator

	cancel context.CancelFunc
}

// rtcConnector creates the media transport for a call session, wiring its
// outward events to the UI emitter.
type rtcConnector struct {
	s       *service
	session *Session
	emit    func(eventType string, payload any)
	logger  *slog.Logger
}

func (c rtcConnector) Connect(ctx context.Context, sessionId string, initiator bool) call.Connection {
	return rtc.NewManager(ctx, &rtc.ManagerParams{
		RoomId:        c.session.roomId,
		SelfId:        c.session.participantId,
		SessionId:     sessionId,
		Initiator:     initiator,
		SignalingRepo: c.s.signalingRepo,
		Bus:           c.s.bus,
		IceProvider:   c.s.iceProvider,
		Factory:       c.s.factory,
		Config: &rtc.Config{
			MaxReconnectAttempts: c.s.cfg.MaxReconnectAttempts,
			ReconnectBackoffStep: c.s.cfg.ReconnectBackoffStep,
			StatsInterval:        c.s.cfg.StatsInterval,
		},
		Logger: c.logger,
		OnRemoteStream: func(track *webrtc.TrackRemote) {
			c.emit(OutputRemoteStreamAvailable, map[string]any{
				"track_id": track.ID(),
				"kind":     track.Kind().String(),
			})
		},
		OnQualityChanged: func(quality domain.ConnectionQuality) {
			c.emit(OutputConnectionQualityChanged, quality)
		},
		OnTerminalFailure: func(err error) {
			c.emit(OutputCallFailed, map[string]any{"error": err.Error()})
			c.session.callCoord.EndCall()
		},
	})
}

// UpdatePlayerState records the state the UI reported. Only a host
// propagates it; followers keep it as their local prediction.
func (s *Session) UpdatePlayerState(state domain.SyncState) {
	s.player.setLocalState(state)
	s.syncCoord.NotifyLocalChange()
}

// PlayerReady marks the local player initialized; a buffered pending
// snapshot, if any, is applied exactly once.
func (s *Session) PlayerReady() {
	s.player.setReady()
	s.syncCoord.NotifyPlayerReady()
}

// BecomeHost designates this participant as the playback authority.
func (s *Session) BecomeHost() {
	s.syncCoord.BecomeHost()
}

// RequestState asks the current host for an immediate snapshot.
func (s *Session) RequestState() {
	s.syncCoord.RequestState()
}

func (s *Session) StartCall() {
	s.callCoord.StartCall()
}

func (s *Session) EndCall() {
	s.callCoord.EndCall()
}

// Close tears down everything the session owns: both coordinator loops and,
// through them, any active media transport and capture devices.
func (s *Session) Close() {
	s.cancel()
}
