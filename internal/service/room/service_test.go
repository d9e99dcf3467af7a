package room

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/server/internal/domain"
	broadcastredis "github.com/couchsync/server/internal/repository/broadcast/redis"
	"github.com/couchsync/server/internal/repository/connection/inmemory"
	playbackredis "github.com/couchsync/server/internal/repository/playback/redis"
	signalingredis "github.com/couchsync/server/internal/repository/signaling/redis"
	"github.com/couchsync/server/internal/service/rtc"
)

type noMediaFactory struct{}

func (noMediaFactory) NewConnection(context.Context, []webrtc.ICEServer, *rtc.ConnectionCallbacks) (rtc.PeerConnection, func(), error) {
	return nil, nil, errors.New("no capture devices")
}

type emitRecorder struct {
	mu     gosync.Mutex
	events []emittedEvent
}

func (r *emitRecorder) emit(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{eventType: eventType, payload: payload})
}

func (r *emitRecorder) commands() []PlayerCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PlayerCommand
	for _, e := range r.events {
		if e.eventType == OutputPlayerCommand {
			out = append(out, e.payload.(PlayerCommand))
		}
	}
	return out
}

func newTestService(t *testing.T) *service {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rc.Close() })

	return NewService(
		playbackredis.NewRepo(rc, time.Hour),
		signalingredis.NewRepo(rc, time.Hour),
		broadcastredis.NewBus(rc),
		inmemory.NewRepo(2),
		rtc.NewStaticIceProvider([]rtc.IceServerConfig{{URL: "stun:stun.example.org:3478"}}),
		noMediaFactory{},
		&Config{
			HeartbeatInterval:    50 * time.Millisecond,
			DriftThreshold:       1.5,
			StaleSignalAge:       30 * time.Second,
			StatsInterval:        time.Hour,
			MaxReconnectAttempts: 3,
			ReconnectBackoffStep: 10 * time.Millisecond,
		},
		slog.Default(),
	)
}

func TestJoinRoomLimits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conn1 := &websocket.Conn{}
	session1, err := svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: conn1, RoomId: "room-1", ParticipantId: "alice", Emit: func(string, any) {},
	})
	require.NoError(t, err)

	conn2 := &websocket.Conn{}
	session2, err := svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: conn2, RoomId: "room-1", ParticipantId: "bob", Emit: func(string, any) {},
	})
	require.NoError(t, err)

	_, err = svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: &websocket.Conn{}, RoomId: "room-1", ParticipantId: "carol", Emit: func(string, any) {},
	})
	assert.ErrorIs(t, err, ErrRoomFull)

	_, err = svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: conn1, RoomId: "room-1", ParticipantId: "alice", Emit: func(string, any) {},
	})
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	require.NoError(t, svc.LeaveRoom(conn1, session1))

	_, err = svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: &websocket.Conn{}, RoomId: "room-1", ParticipantId: "carol", Emit: func(string, any) {},
	})
	assert.NoError(t, err, "a freed slot must be joinable again")

	require.NoError(t, svc.LeaveRoom(conn2, session2))
}

func TestHostStatePropagatesToFollower(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	hostConn := &websocket.Conn{}
	host, err := svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: hostConn, RoomId: "room-1", ParticipantId: "alice", Emit: func(string, any) {},
	})
	require.NoError(t, err)
	defer svc.LeaveRoom(hostConn, host)

	followerEmits := &emitRecorder{}
	followerConn := &websocket.Conn{}
	follower, err := svc.JoinRoom(ctx, &JoinRoomParams{
		Conn: followerConn, RoomId: "room-1", ParticipantId: "bob", Emit: followerEmits.emit,
	})
	require.NoError(t, err)
	defer svc.LeaveRoom(followerConn, follower)

	host.PlayerReady()
	follower.PlayerReady()

	// give both coordinator loops time to subscribe
	time.Sleep(100 * time.Millisecond)

	host.BecomeHost()
	host.UpdatePlayerState(domain.SyncState{
		Status:       domain.PlayerStatusPlaying,
		CurrentTime:  100,
		PlaybackRate: 1,
	})

	require.Eventually(t, func() bool {
		for _, cmd := range followerEmits.commands() {
			if cmd.Command == PlayerCommandPlay {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "the follower must receive the host's play command")

	var seeked bool
	for _, cmd := range followerEmits.commands() {
		if cmd.Command == PlayerCommandSeek && cmd.CurrentTime > 98 {
			seeked = true
		}
	}
	assert.True(t, seeked, "the follower must be seeked to the host's position")
}
