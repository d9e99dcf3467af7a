//go:build linux && cgo

package rtc

import (
	"errors"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

var errMediaAcquisition = errors.New("failed to acquire local media")

// newMediaPeerConnection builds a PeerConnection with VP8+Opus codecs and
// captures local camera/mic via pion/mediadevices. Capture degrades
// gracefully: video+audio first, then audio-only; only when audio also fails
// is the error surfaced.
func newMediaPeerConnection(iceServers []webrtc.ICEServer, logger *slog.Logger) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	type attempt struct {
		video bool
		label string
	}
	for _, a := range []attempt{
		{video: true, label: "video+audio"},
		{video: false, label: "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn("media capture attempt failed", "attempt", a.label, "error", err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			if _, err := pc.AddTrack(track); err != nil {
				logger.Warn("failed to add local track", "error", err)
			}
		}

		closeFn := func() {
			for _, track := range tracks {
				track.Close()
			}
		}

		return pc, closeFn, nil
	}

	pc.Close()

	return nil, nil, errMediaAcquisition
}
