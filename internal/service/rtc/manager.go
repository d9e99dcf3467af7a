package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/couchsync/server/internal/domain"
)

// EventSignal is the broadcast event name carrying a SignalRecord for
// low-latency delivery. The same record is also inserted into the durable
// signal log; both paths carry the identical idempotent payload.
const EventSignal = "signal"

var ErrConnectionFailed = errors.New("connection failed after retries")

type iSignalingRepo interface {
	Insert(context.Context, *domain.SignalRecord) error
}

type iBroadcastPublisher interface {
	Publish(ctx context.Context, roomId, sender, eventName string, payload any) error
}

type iIceProvider interface {
	GetIceServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

type Config struct {
	MaxReconnectAttempts int
	ReconnectBackoffStep time.Duration
	StatsInterval        time.Duration
}

type managerEventKind int

const (
	evConnect managerEventKind = iota
	evSignal
	evConnFailed
	evConnected
)

type managerEvent struct {
	kind   managerEventKind
	record domain.SignalRecord
	epoch  int
}

// Manager owns the lifecycle of one peer-to-peer media transport bound to a
// signaling session id: creation, signal exchange, reconnection, quality
// sampling and teardown. All mutable state is owned by the run loop; the
// exported methods only post events.
type Manager struct {
	roomId    string
	selfId    string
	sessionId string
	initiator bool

	signalingRepo iSignalingRepo
	bus           iBroadcastPublisher
	iceProvider   iIceProvider
	factory       ConnectionFactory
	cfg           *Config
	logger        *slog.Logger

	events chan managerEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	destroyOnce sync.Once

	onRemoteStream    func(*webrtc.TrackRemote)
	onQualityChanged  func(domain.ConnectionQuality)
	onTerminalFailure func(error)

	// loop-owned
	pc             PeerConnection
	connEpoch      int
	closeMedia     func()
	queue          []domain.SignalRecord
	failures       int
	terminal       bool
	appliedOffer   bool
	appliedAnswer  bool
	seenCandidates map[string]struct{}
	lastQuality    domain.ConnectionQuality
	qualityKnown   bool
	reconnectTimer *time.Timer
}

type ManagerParams struct {
	RoomId            string
	SelfId            string
	SessionId         string
	Initiator         bool
	SignalingRepo     iSignalingRepo
	Bus               iBroadcastPublisher
	IceProvider       iIceProvider
	Factory           ConnectionFactory
	Config            *Config
	Logger            *slog.Logger
	OnRemoteStream    func(*webrtc.TrackRemote)
	OnQualityChanged  func(domain.ConnectionQuality)
	OnTerminalFailure func(error)
}

// NewManager constructs the manager and starts its loop. The connection
// itself is created asynchronously; signals arriving before it exists are
// queued and flushed in arrival order once it does.
func NewManager(ctx context.Context, params *ManagerParams) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		roomId:            params.RoomId,
		selfId:            params.SelfId,
		sessionId:         params.SessionId,
		initiator:         params.Initiator,
		signalingRepo:     params.SignalingRepo,
		bus:               params.Bus,
		iceProvider:       params.IceProvider,
		factory:           params.Factory,
		cfg:               params.Config,
		logger:            params.Logger,
		events:            make(chan managerEvent, 64),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		onRemoteStream:    params.OnRemoteStream,
		onQualityChanged:  params.OnQualityChanged,
		onTerminalFailure: params.OnTerminalFailure,
		seenCandidates:    make(map[string]struct{}),
	}

	m.post(managerEvent{kind: evConnect})
	go m.run()

	return m
}

func (m *Manager) SessionId() string {
	return m.sessionId
}

func (m *Manager) Initiator() bool {
	return m.initiator
}

// ApplySignal feeds one signaling record into the session. Self-echoes and
// records belonging to another session are discarded silently; they are
// expected under concurrent multi-session conditions.
func (m *Manager) ApplySignal(record domain.SignalRecord) {
	if record.Sender == m.selfId {
		return
	}
	if record.SessionId() != m.sessionId {
		return
	}

	m.post(managerEvent{kind: evSignal, record: record})
}

// Destroy tears the session down: stops capture, closes the transport and
// discards queued signals and pending reconnection attempts. It blocks until
// the loop has released everything and is safe to call more than once.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		m.cancel()
	})
	<-m.done
}

func (m *Manager) post(ev managerEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.teardown()

	statsTicker := time.NewTicker(m.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		var reconnectC <-chan time.Time
		if m.reconnectTimer != nil {
			reconnectC = m.reconnectTimer.C
		}

		select {
		case <-m.ctx.Done():
			return
		case <-statsTicker.C:
			m.sampleQuality()
		case <-reconnectC:
			m.reconnectTimer = nil
			m.connect()
		case ev := <-m.events:
			switch ev.kind {
			case evConnect:
				m.connect()
			case evSignal:
				m.handleSignal(ev.record)
			case evConnFailed:
				// Closing a connection fires a final Closed state change;
				// only events from the current attempt count as failures.
				if ev.epoch == m.connEpoch {
					m.handleFailure()
				}
			case evConnected:
				if ev.epoch == m.connEpoch {
					m.failures = 0
				}
			}
		}
	}
}

func (m *Manager) teardown() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.closeConnection()
	m.queue = nil
}

func (m *Manager) closeConnection() {
	// Invalidates state-change events still in flight from this connection.
	m.connEpoch++
	if m.closeMedia != nil {
		m.closeMedia()
		m.closeMedia = nil
	}
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Warn("failed to close peer connection", "error", err)
		}
		m.pc = nil
	}
}

// connect creates the connection object for the current attempt and flushes
// any signals queued while it did not exist yet.
func (m *Manager) connect() {
	if m.terminal || m.pc != nil {
		return
	}

	iceServers, err := m.iceProvider.GetIceServers(m.ctx)
	if err != nil {
		m.logger.Error("failed to get ice servers", "error", err)
		m.handleFailure()
		return
	}

	epoch := m.connEpoch
	pc, closeMedia, err := m.factory.NewConnection(m.ctx, iceServers, &ConnectionCallbacks{
		OnICECandidate: m.sendCandidate,
		OnTrack: func(track *webrtc.TrackRemote) {
			if m.onRemoteStream != nil {
				m.onRemoteStream(track)
			}
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateConnected:
				m.post(managerEvent{kind: evConnected, epoch: epoch})
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				m.post(managerEvent{kind: evConnFailed, epoch: epoch})
			}
		},
	})
	if err != nil {
		m.logger.Error("failed to create peer connection", "error", err)
		m.handleFailure()
		return
	}

	m.pc = pc
	m.closeMedia = closeMedia
	m.appliedOffer = false
	m.appliedAnswer = false
	clear(m.seenCandidates)

	if m.initiator {
		if err := m.sendOffer(); err != nil {
			m.logger.Error("failed to send offer", "error", err)
			m.handleFailure()
			return
		}
	}

	queued := m.queue
	m.queue = nil
	for _, record := range queued {
		m.handleSignal(record)
	}
}

// handleFailure destroys the failed connection and schedules a new attempt
// with the same initiator role, up to the configured bound with linearly
// increasing backoff. Exhaustion surfaces a terminal failure exactly once.
func (m *Manager) handleFailure() {
	if m.terminal {
		return
	}

	m.closeConnection()

	m.failures++
	if m.failures >= m.cfg.MaxReconnectAttempts {
		m.terminal = true
		m.logger.Error("connection failed terminally", "failures", m.failures)
		if m.onTerminalFailure != nil {
			m.onTerminalFailure(ErrConnectionFailed)
		}
		return
	}

	backoff := time.Duration(m.failures) * m.cfg.ReconnectBackoffStep
	m.logger.Info("scheduling reconnect", "attempt", m.failures, "backoff", backoff)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.NewTimer(backoff)
}

func (m *Manager) handleSignal(record domain.SignalRecord) {
	if m.terminal {
		return
	}
	if m.pc == nil {
		m.queue = append(m.queue, record)
		return
	}

	var payload domain.SignalPayload
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return
	}

	switch record.Type {
	case domain.SignalTypeOffer:
		if m.appliedOffer {
			return
		}
		if err := m.applyOffer(payload); err != nil {
			m.logger.Error("failed to apply offer", "error", err)
			return
		}
		m.appliedOffer = true
	case domain.SignalTypeAnswer:
		if m.appliedAnswer {
			return
		}
		if err := m.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  payload.SDP,
		}); err != nil {
			m.logger.Error("failed to apply answer", "error", err)
			return
		}
		m.appliedAnswer = true
	case domain.SignalTypeCandidate:
		key := string(payload.Candidate)
		if _, seen := m.seenCandidates[key]; seen {
			return
		}
		m.seenCandidates[key] = struct{}{}

		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload.Candidate, &candidate); err != nil {
			return
		}
		if err := m.pc.AddICECandidate(candidate); err != nil {
			m.logger.Warn("failed to add ice candidate", "error", err)
		}
	}
}

func (m *Manager) applyOffer(payload domain.SignalPayload) error {
	if err := m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  payload.SDP,
	}); err != nil {
		return err
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	m.sendSignal(domain.SignalTypeAnswer, domain.SignalPayload{
		SessionId: m.sessionId,
		SDP:       answer.SDP,
	})

	return nil
}

func (m *Manager) sendOffer() error {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	m.sendSignal(domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: m.sessionId,
		SDP:       offer.SDP,
	})

	return nil
}

func (m *Manager) sendCandidate(candidate *webrtc.ICECandidate) {
	init := candidate.ToJSON()
	data, err := json.Marshal(init)
	if err != nil {
		m.logger.Error("failed to marshal ice candidate", "error", err)
		return
	}

	m.sendSignal(domain.SignalTypeCandidate, domain.SignalPayload{
		SessionId: m.sessionId,
		Candidate: data,
	})
}

// sendSignal persists the record to the durable signal log and publishes it
// on the live broadcast channel. The persisted copy is what a briefly
// disconnected peer catches up from; send failures here are transient and
// absorbed (the handshake retries or the reconnect path re-signals).
func (m *Manager) sendSignal(signalType domain.SignalType, payload domain.SignalPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal signal payload", "error", err)
		return
	}

	record := domain.SignalRecord{
		Id:        uuid.NewString(),
		RoomId:    m.roomId,
		Sender:    m.selfId,
		Type:      signalType,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := m.signalingRepo.Insert(m.ctx, &record); err != nil {
		m.logger.Error("failed to persist signal", "error", err)
	}

	if err := m.bus.Publish(m.ctx, m.roomId, m.selfId, EventSignal, record); err != nil {
		m.logger.Error("failed to publish signal", "error", err)
	}
}

// sampleQuality classifies live transport statistics into an ordinal quality
// level. Informational only; it never triggers reconnection.
func (m *Manager) sampleQuality() {
	if m.pc == nil {
		return
	}

	quality, ok := extractQuality(m.pc.GetStats())
	if !ok {
		return
	}

	if m.qualityKnown && quality == m.lastQuality {
		return
	}

	m.lastQuality = quality
	m.qualityKnown = true
	if m.onQualityChanged != nil {
		m.onQualityChanged(quality)
	}
}
