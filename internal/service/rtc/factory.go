package rtc

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of *webrtc.PeerConnection the manager drives.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	GetStats() webrtc.StatsReport
	Close() error
}

// ConnectionCallbacks are the transport hooks the manager wires into every
// connection it creates. They fire on pion goroutines and must not block.
type ConnectionCallbacks struct {
	OnICECandidate func(*webrtc.ICECandidate)
	OnTrack        func(*webrtc.TrackRemote)
	OnStateChange  func(webrtc.PeerConnectionState)
}

type ConnectionFactory interface {
	NewConnection(ctx context.Context, iceServers []webrtc.ICEServer, cb *ConnectionCallbacks) (PeerConnection, func(), error)
}

type deviceFactory struct {
	logger *slog.Logger
}

// NewDeviceFactory creates connections backed by real local capture devices
// (camera/microphone via pion/mediadevices where the platform supports it).
func NewDeviceFactory(logger *slog.Logger) ConnectionFactory {
	return &deviceFactory{logger: logger}
}

func (f deviceFactory) NewConnection(ctx context.Context, iceServers []webrtc.ICEServer, cb *ConnectionCallbacks) (PeerConnection, func(), error) {
	pc, closeMedia, err := newMediaPeerConnection(iceServers, f.logger)
	if err != nil {
		return nil, nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		cb.OnICECandidate(candidate)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		cb.OnTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		cb.OnStateChange(state)
	})

	return pc, closeMedia, nil
}
