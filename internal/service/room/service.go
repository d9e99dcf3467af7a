package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/repository/broadcast"
	"github.com/couchsync/server/internal/repository/connection"
	"github.com/couchsync/server/internal/repository/playback"
	"github.com/couchsync/server/internal/repository/signaling"
	"github.com/couchsync/server/internal/service/call"
	"github.com/couchsync/server/internal/service/rtc"
	"github.com/couchsync/server/internal/service/sync"
	"github.com/couchsync/server/pkg/ctxlogger"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyJoined = errors.New("participant already joined")
)

type iPlaybackRepo interface {
	SetPlayer(context.Context, *playback.SetPlayerParams) error
	GetPlayer(ctx context.Context, roomId string) (playback.Player, error)
}

type iSignalingRepo interface {
	Insert(context.Context, *domain.SignalRecord) error
	Query(context.Context, *signaling.QueryParams) ([]domain.SignalRecord, error)
	DeleteOlderThan(context.Context, *signaling.DeleteOlderThanParams) error
	OnInsert(ctx context.Context, roomId string) (<-chan domain.SignalRecord, func())
}

type iBroadcastBus interface {
	Publish(ctx context.Context, roomId, sender, eventName string, payload any) error
	Subscribe(ctx context.Context, roomId string) (<-chan broadcast.Event, func())
}

type iConnRepo interface {
	Add(conn *websocket.Conn, participantId, roomId string) error
	RemoveByConn(conn *websocket.Conn) error
}

type iIceProvider interface {
	GetIceServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

type Config struct {
	HeartbeatInterval    time.Duration
	DriftThreshold       float64
	StaleSignalAge       time.Duration
	StatsInterval        time.Duration
	MaxReconnectAttempts int
	ReconnectBackoffStep time.Duration
}

type service struct {
	playbackRepo  iPlaybackRepo
	signalingRepo iSignalingRepo
	bus           iBroadcastBus
	connRepo      iConnRepo
	iceProvider   iIceProvider
	factory       rtc.ConnectionFactory
	cfg           *Config
	logger        *slog.Logger
}

func NewService(
	playbackRepo iPlaybackRepo,
	signalingRepo iSignalingRepo,
	bus iBroadcastBus,
	connRepo iConnRepo,
	iceProvider iIceProvider,
	factory rtc.ConnectionFactory,
	cfg *Config,
	logger *slog.Logger,
) *service {
	return &service{
		playbackRepo:  playbackRepo,
		signalingRepo: signalingRepo,
		bus:           bus,
		connRepo:      connRepo,
		iceProvider:   iceProvider,
		factory:       factory,
		cfg:           cfg,
		logger:        logger,
	}
}

type JoinRoomParams struct {
	Conn          *websocket.Conn
	RoomId        string
	ParticipantId string
	Emit          func(eventType string, payload any)
}

// JoinRoom registers the participant's control connection and starts the
// session: player mirror, sync coordinator and call coordinator. The emit
// callback carries every outward event to the UI layer.
func (s *service) JoinRoom(ctx context.Context, params *JoinRoomParams) (*Session, error) {
	if err := s.connRepo.Add(params.Conn, params.ParticipantId, params.RoomId); err != nil {
		switch {
		case errors.Is(err, connection.ErrRoomFull):
			return nil, ErrRoomFull
		case errors.Is(err, connection.ErrAlreadyExists):
			return nil, ErrAlreadyJoined
		}

		return nil, fmt.Errorf("failed to register connection: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sessionCtx = ctxlogger.AppendCtx(sessionCtx, slog.String("room_id", params.RoomId))
	sessionCtx = ctxlogger.AppendCtx(sessionCtx, slog.String("participant_id", params.ParticipantId))

	session := &Session{
		roomId:        params.RoomId,
		participantId: params.ParticipantId,
		cancel:        cancel,
	}

	session.player = newUIPlayer(params.Emit)

	session.syncCoord = sync.NewCoordinator(&sync.CoordinatorParams{
		RoomId:        params.RoomId,
		ParticipantId: params.ParticipantId,
		PlaybackRepo:  s.playbackRepo,
		Bus:           s.bus,
		Player:        session.player,
		Config: &sync.Config{
			HeartbeatInterval: s.cfg.HeartbeatInterval,
			DriftThreshold:    s.cfg.DriftThreshold,
		},
		Logger: s.logger,
		OnPlaybackChanged: func(state domain.SyncState) {
			params.Emit(OutputPlaybackChanged, state)
		},
	})

	session.callCoord = call.NewCoordinator(&call.CoordinatorParams{
		RoomId:        params.RoomId,
		ParticipantId: params.ParticipantId,
		SignalingRepo: s.signalingRepo,
		Bus:           s.bus,
		Connector: rtcConnector{
			s:       s,
			session: session,
			emit:    params.Emit,
			logger:  s.logger,
		},
		Config: &call.Config{StaleSignalAge: s.cfg.StaleSignalAge},
		Logger: s.logger,
		OnCallEnded: func() {
			params.Emit(OutputCallEnded, struct{}{})
		},
	})

	go func() {
		if err := session.syncCoord.Run(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(sessionCtx, "sync coordinator stopped", "error", err)
		}
	}()
	go func() {
		if err := session.callCoord.Run(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(sessionCtx, "call coordinator stopped", "error", err)
		}
	}()

	return session, nil
}

// LeaveRoom unregisters the connection and tears down the session. Teardown
// cancels pending reconnection attempts and queued signals wholesale.
func (s *service) LeaveRoom(conn *websocket.Conn, session *Session) error {
	session.Close()
	if err := s.connRepo.RemoveByConn(conn); err != nil {
		return fmt.Errorf("failed to unregister connection: %w", err)
	}

	return nil
}
