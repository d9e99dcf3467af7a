package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/repository/broadcast"
	"github.com/couchsync/server/internal/repository/signaling"
	"github.com/couchsync/server/internal/service/rtc"
)

// Broadcast event names owned by the call coordinator.
const (
	EventCallSession = "call-session"
	EventCallEnded   = "call-ended"
)

type CallEnd struct {
	CallId string `json:"call_id"`
}

type iSignalingRepo interface {
	Query(context.Context, *signaling.QueryParams) ([]domain.SignalRecord, error)
	DeleteOlderThan(context.Context, *signaling.DeleteOlderThanParams) error
	OnInsert(ctx context.Context, roomId string) (<-chan domain.SignalRecord, func())
}

type iBroadcastBus interface {
	Publish(ctx context.Context, roomId, sender, eventName string, payload any) error
	Subscribe(ctx context.Context, roomId string) (<-chan broadcast.Event, func())
}

// Connection is the active media transport of the current call session.
type Connection interface {
	ApplySignal(record domain.SignalRecord)
	Destroy()
}

// iConnector creates the transport for a call session. The room session
// implements it around the rtc manager so outward event wiring stays there.
type iConnector interface {
	Connect(ctx context.Context, sessionId string, initiator bool) Connection
}

type Config struct {
	StaleSignalAge time.Duration
}

type callControlKind int

const (
	ctlStartCall callControlKind = iota
	ctlEndCall
)

type callControl struct {
	kind callControlKind
}

// Coordinator assigns exactly one unambiguous (initiator, responder) pairing
// per call attempt, even when both participants start simultaneously, and
// tears the pairing down keyed by call id.
type Coordinator struct {
	roomId        string
	participantId string
	signalingRepo iSignalingRepo
	bus           iBroadcastBus
	connector     iConnector
	cfg           *Config
	logger        *slog.Logger

	control chan callControl

	onCallEnded func()

	// loop-owned
	current *domain.CallSession
	conn    Connection
}

type CoordinatorParams struct {
	RoomId        string
	ParticipantId string
	SignalingRepo iSignalingRepo
	Bus           iBroadcastBus
	Connector     iConnector
	Config        *Config
	Logger        *slog.Logger
	OnCallEnded   func()
}

func NewCoordinator(params *CoordinatorParams) *Coordinator {
	return &Coordinator{
		roomId:        params.RoomId,
		participantId: params.ParticipantId,
		signalingRepo: params.SignalingRepo,
		bus:           params.Bus,
		connector:     params.Connector,
		cfg:           params.Config,
		logger:        params.Logger,
		control:       make(chan callControl, 16),
		onCallEnded:   params.OnCallEnded,
	}
}

// StartCall begins a call attempt as initiator.
func (c *Coordinator) StartCall() {
	c.control <- callControl{kind: ctlStartCall}
}

// EndCall terminates the current call session, if any, and announces the
// termination so the remote side tears down too.
func (c *Coordinator) EndCall() {
	c.control <- callControl{kind: ctlEndCall}
}

// Run executes the coordinator loop until ctx is cancelled. It consumes both
// signal delivery paths: the live broadcast channel and the durable signal
// log's insert stream. The two are unordered relative to each other; the
// connection manager deduplicates by session id and payload.
func (c *Coordinator) Run(ctx context.Context) error {
	events, cancelEvents := c.bus.Subscribe(ctx, c.roomId)
	defer cancelEvents()

	inserts, cancelInserts := c.signalingRepo.OnInsert(ctx, c.roomId)
	defer cancelInserts()

	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ctl := <-c.control:
			c.onControl(ctx, ctl)
		case event, ok := <-events:
			if !ok {
				return errors.New("broadcast subscription closed")
			}
			c.onBroadcast(ctx, event)
		case record, ok := <-inserts:
			if !ok {
				return errors.New("signal subscription closed")
			}
			if c.conn != nil {
				c.conn.ApplySignal(record)
			}
		}
	}
}

func (c *Coordinator) teardown() {
	if c.conn != nil {
		c.conn.Destroy()
		c.conn = nil
	}
	c.current = nil
}

func (c *Coordinator) onControl(ctx context.Context, ctl callControl) {
	switch ctl.kind {
	case ctlStartCall:
		c.startCall(ctx)
	case ctlEndCall:
		c.endCall(ctx)
	}
}

func (c *Coordinator) startCall(ctx context.Context) {
	if c.current != nil {
		return
	}

	// A new session must not replay a previous session's handshake records.
	if err := c.signalingRepo.DeleteOlderThan(ctx, &signaling.DeleteOlderThanParams{
		RoomId: c.roomId,
		Age:    c.cfg.StaleSignalAge,
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to clear stale signals", "error", err)
	}

	session := domain.CallSession{
		CallId:    uuid.NewString(),
		StartedBy: c.participantId,
		StartedAt: time.Now(),
	}
	c.current = &session

	if err := c.bus.Publish(ctx, c.roomId, c.participantId, EventCallSession, session); err != nil {
		c.logger.ErrorContext(ctx, "failed to announce call session", "error", err)
	}

	c.connect(ctx, session.CallId, true)
}

func (c *Coordinator) endCall(ctx context.Context) {
	if c.current == nil {
		return
	}

	if err := c.bus.Publish(ctx, c.roomId, c.participantId, EventCallEnded, CallEnd{
		CallId: c.current.CallId,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to announce call end", "error", err)
	}

	c.teardown()
	if c.onCallEnded != nil {
		c.onCallEnded()
	}
}

func (c *Coordinator) onBroadcast(ctx context.Context, event broadcast.Event) {
	if event.Sender == c.participantId {
		return
	}

	switch event.Name {
	case EventCallSession:
		var session domain.CallSession
		if err := json.Unmarshal(event.Payload, &session); err != nil {
			return
		}
		c.onRemoteSession(ctx, session)
	case EventCallEnded:
		var end CallEnd
		if err := json.Unmarshal(event.Payload, &end); err != nil {
			return
		}
		c.onRemoteEnd(end)
	case rtc.EventSignal:
		var record domain.SignalRecord
		if err := json.Unmarshal(event.Payload, &record); err != nil {
			return
		}
		if c.conn != nil {
			c.conn.ApplySignal(record)
		}
	}
}

// onRemoteSession handles the remote participant's call announcement. When
// both sides announced, the lexicographically smaller participant id keeps
// the initiator role; the loser discards its own session and adopts the
// winner's call id as responder. The comparison is symmetric, so both sides
// converge without another round trip.
func (c *Coordinator) onRemoteSession(ctx context.Context, session domain.CallSession) {
	if c.current == nil {
		c.current = &session
		c.connect(ctx, session.CallId, false)
		return
	}

	if c.current.CallId == session.CallId {
		return
	}

	winner := domain.ResolveInitiator(c.participantId, session.StartedBy)
	if winner == c.participantId {
		return
	}

	c.logger.InfoContext(ctx, "yielding call initiator role",
		"discarded_call_id", c.current.CallId,
		"adopted_call_id", session.CallId,
	)

	if c.conn != nil {
		c.conn.Destroy()
		c.conn = nil
	}
	c.current = &session
	c.connect(ctx, session.CallId, false)
}

// onRemoteEnd tears down on a matching call id. Mismatched ids belong to a
// superseded session and are ignored.
func (c *Coordinator) onRemoteEnd(end CallEnd) {
	if c.current == nil || c.current.CallId != end.CallId {
		return
	}

	c.teardown()
	if c.onCallEnded != nil {
		c.onCallEnded()
	}
}

func (c *Coordinator) connect(ctx context.Context, sessionId string, initiator bool) {
	c.conn = c.connector.Connect(ctx, sessionId, initiator)

	// Catch up on records that landed before the subscription was live. The
	// connection discards anything from another session or from us.
	records, err := c.signalingRepo.Query(ctx, &signaling.QueryParams{
		RoomId:    c.roomId,
		AfterTime: time.Now().Add(-c.cfg.StaleSignalAge),
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to query signal log", "error", err)
		return
	}

	for _, record := range records {
		c.conn.ApplySignal(record)
	}
}
