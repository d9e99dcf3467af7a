//go:build !linux || !cgo

package rtc

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// newMediaPeerConnection builds a receive-only PeerConnection. Local capture
// drivers are only wired on Linux; other platforms can still receive the
// remote stream.
func newMediaPeerConnection(iceServers []webrtc.ICEServer, logger *slog.Logger) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Warn("failed to add recvonly transceiver", "error", err)
		}
	}

	return pc, func() {}, nil
}
