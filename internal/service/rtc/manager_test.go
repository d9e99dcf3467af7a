package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/server/internal/domain"
)

type fakePC struct {
	mu          sync.Mutex
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakePC) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, desc)
	return nil
}

func (p *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePC) GetStats() webrtc.StatsReport { return webrtc.StatsReport{} }

func (p *fakePC) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	onState := p.onState
	p.mu.Unlock()

	// pion fires a final Closed state change on an explicit Close.
	if !already && onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePC) remoteDescCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteDescs)
}

func (p *fakePC) remoteDescList() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.remoteDescs...)
}

func (p *fakePC) candidateList() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

type fakeFactory struct {
	mu           sync.Mutex
	failuresLeft int
	failEveryPC  bool // every created connection immediately reports Failed
	pcs          []*fakePC
}

func (f *fakeFactory) NewConnection(_ context.Context, _ []webrtc.ICEServer, cb *ConnectionCallbacks) (PeerConnection, func(), error) {
	f.mu.Lock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		f.mu.Unlock()
		return nil, nil, errors.New("no capture devices")
	}
	pc := &fakePC{onState: cb.OnStateChange}
	f.pcs = append(f.pcs, pc)
	failing := f.failEveryPC
	f.mu.Unlock()

	if failing {
		cb.OnStateChange(webrtc.PeerConnectionStateFailed)
	}
	return pc, func() {}, nil
}

func (f *fakeFactory) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) lastPC() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type recordingRepo struct {
	mu      sync.Mutex
	records []domain.SignalRecord
}

func (r *recordingRepo) Insert(_ context.Context, record *domain.SignalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *record)
	return nil
}

func (r *recordingRepo) byType(signalType domain.SignalType) []domain.SignalRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SignalRecord
	for _, record := range r.records {
		if record.Type == signalType {
			out = append(out, record)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, _, eventName string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventName)
	return nil
}

type managerFixture struct {
	manager *Manager
	factory *fakeFactory
	repo    *recordingRepo
	bus     *recordingPublisher

	mu            sync.Mutex
	terminalErrs  []error
	qualityEvents []domain.ConnectionQuality
}

func newManagerFixture(t *testing.T, initiator bool, factory *fakeFactory, cfg *Config) *managerFixture {
	t.Helper()
	f := &managerFixture{
		factory: factory,
		repo:    &recordingRepo{},
		bus:     &recordingPublisher{},
	}
	f.manager = NewManager(context.Background(), &ManagerParams{
		RoomId:        "room-1",
		SelfId:        "self",
		SessionId:     "session-1",
		Initiator:     initiator,
		SignalingRepo: f.repo,
		Bus:           f.bus,
		IceProvider:   NewStaticIceProvider([]IceServerConfig{{URL: "stun:stun.example.org:3478"}}),
		Factory:       factory,
		Config:        cfg,
		Logger:        slog.Default(),
		OnTerminalFailure: func(err error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.terminalErrs = append(f.terminalErrs, err)
		},
		OnQualityChanged: func(quality domain.ConnectionQuality) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.qualityEvents = append(f.qualityEvents, quality)
		},
	})
	t.Cleanup(f.manager.Destroy)
	return f
}

func (f *managerFixture) terminalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminalErrs)
}

func quietConfig() *Config {
	return &Config{
		MaxReconnectAttempts: 3,
		ReconnectBackoffStep: 10 * time.Millisecond,
		StatsInterval:        time.Hour,
	}
}

func signalRecord(t *testing.T, sender string, signalType domain.SignalType, payload domain.SignalPayload) domain.SignalRecord {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.SignalRecord{
		Id:        uuid.NewString(),
		RoomId:    "room-1",
		Sender:    sender,
		Type:      signalType,
		Payload:   data,
		CreatedAt: time.Now(),
	}
}

func candidatePayload(t *testing.T, candidate string) domain.SignalPayload {
	t.Helper()
	data, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return domain.SignalPayload{SessionId: "session-1", Candidate: data}
}

func TestManagerInitiatorSendsOffer(t *testing.T) {
	f := newManagerFixture(t, true, &fakeFactory{}, quietConfig())

	require.Eventually(t, func() bool {
		return len(f.repo.byType(domain.SignalTypeOffer)) == 1
	}, time.Second, 5*time.Millisecond, "the initiator must persist exactly one offer")

	offer := f.repo.byType(domain.SignalTypeOffer)[0]
	assert.Equal(t, "self", offer.Sender)
	assert.Equal(t, "session-1", offer.SessionId())
}

func TestManagerResponderAnswersOffer(t *testing.T) {
	f := newManagerFixture(t, false, &fakeFactory{}, quietConfig())

	f.manager.ApplySignal(signalRecord(t, "peer", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "session-1",
		SDP:       "remote-offer",
	}))

	require.Eventually(t, func() bool {
		return len(f.repo.byType(domain.SignalTypeAnswer)) == 1
	}, time.Second, 5*time.Millisecond, "the responder must answer the offer")

	pc := f.factory.lastPC()
	require.NotNil(t, pc)
	assert.Equal(t, 1, pc.remoteDescCount())
	assert.Empty(t, f.repo.byType(domain.SignalTypeOffer), "the responder must not originate offers")
}

func TestManagerDropsEchoAndForeignSession(t *testing.T) {
	f := newManagerFixture(t, false, &fakeFactory{}, quietConfig())

	f.manager.ApplySignal(signalRecord(t, "self", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "session-1",
		SDP:       "own-echo",
	}))
	f.manager.ApplySignal(signalRecord(t, "peer", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "stale-session",
		SDP:       "stale-offer",
	}))
	f.manager.ApplySignal(signalRecord(t, "peer", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "session-1",
		SDP:       "valid-offer",
	}))

	require.Eventually(t, func() bool {
		pc := f.factory.lastPC()
		return pc != nil && pc.remoteDescCount() == 1
	}, time.Second, 5*time.Millisecond)

	pc := f.factory.lastPC()
	assert.Equal(t, "valid-offer", pc.remoteDescList()[0].SDP, "only the current session's signal must be applied")
}

func TestManagerReplayIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, false, &fakeFactory{}, quietConfig())

	offer := signalRecord(t, "peer", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "session-1",
		SDP:       "remote-offer",
	})
	candidate := signalRecord(t, "peer", domain.SignalTypeCandidate, candidatePayload(t, "candidate:1"))

	f.manager.ApplySignal(offer)
	f.manager.ApplySignal(offer)
	f.manager.ApplySignal(candidate)
	f.manager.ApplySignal(candidate)

	require.Eventually(t, func() bool {
		pc := f.factory.lastPC()
		return pc != nil && len(pc.candidateList()) >= 1
	}, time.Second, 5*time.Millisecond)

	pc := f.factory.lastPC()
	assert.Equal(t, 1, pc.remoteDescCount(), "a replayed offer must be applied once")
	assert.Len(t, pc.candidateList(), 1, "a replayed candidate must be added once")
	assert.Len(t, f.repo.byType(domain.SignalTypeAnswer), 1)
}

func TestManagerQueuesSignalsUntilConnected(t *testing.T) {
	factory := &fakeFactory{failuresLeft: 1}
	f := newManagerFixture(t, false, factory, quietConfig())

	f.manager.ApplySignal(signalRecord(t, "peer", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "session-1",
		SDP:       "remote-offer",
	}))
	f.manager.ApplySignal(signalRecord(t, "peer", domain.SignalTypeCandidate, candidatePayload(t, "candidate:1")))
	f.manager.ApplySignal(signalRecord(t, "peer", domain.SignalTypeCandidate, candidatePayload(t, "candidate:2")))

	require.Eventually(t, func() bool {
		pc := factory.lastPC()
		return pc != nil && len(pc.candidateList()) == 2
	}, time.Second, 5*time.Millisecond, "queued signals must be flushed after the reconnect")

	pc := factory.lastPC()
	assert.Equal(t, 1, pc.remoteDescCount())
	candidates := pc.candidateList()
	assert.Equal(t, "candidate:1", candidates[0].Candidate, "flush must preserve arrival order")
	assert.Equal(t, "candidate:2", candidates[1].Candidate)
}

func TestManagerTerminalFailureFiresOnce(t *testing.T) {
	factory := &fakeFactory{failuresLeft: 100}
	cfg := &Config{
		MaxReconnectAttempts: 2,
		ReconnectBackoffStep: time.Millisecond,
		StatsInterval:        time.Hour,
	}
	f := newManagerFixture(t, true, factory, cfg)

	require.Eventually(t, func() bool {
		return f.terminalCount() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.terminalCount(), "exhaustion must surface exactly once")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.ErrorIs(t, f.terminalErrs[0], ErrConnectionFailed)
}

func TestManagerFailedTransportUsesFullRetryBudget(t *testing.T) {
	factory := &fakeFactory{failEveryPC: true}
	cfg := &Config{
		MaxReconnectAttempts: 3,
		ReconnectBackoffStep: time.Millisecond,
		StatsInterval:        time.Hour,
	}
	f := newManagerFixture(t, true, factory, cfg)

	require.Eventually(t, func() bool {
		return f.terminalCount() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.terminalCount())
	assert.Equal(t, 3, factory.attempts(),
		"the Closed event from discarding a failed connection must not consume a retry")
}

func TestManagerDropsSignalsAfterTerminalFailure(t *testing.T) {
	factory := &fakeFactory{failuresLeft: 100}
	cfg := &Config{
		MaxReconnectAttempts: 1,
		ReconnectBackoffStep: time.Millisecond,
		StatsInterval:        time.Hour,
	}
	f := newManagerFixture(t, false, factory, cfg)

	require.Eventually(t, func() bool {
		return f.terminalCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The loop has stopped after Destroy, so the handler can be driven
	// directly to inspect the queue.
	f.manager.Destroy()
	f.manager.handleSignal(signalRecord(t, "peer", domain.SignalTypeOffer, domain.SignalPayload{
		SessionId: "session-1",
		SDP:       "late-offer",
	}))
	assert.Empty(t, f.manager.queue, "signals arriving after exhaustion must be dropped, not queued")
}
