package sync

import "math"

// Detector decides whether a follower's playback position has diverged far
// enough from the host's to warrant a corrective seek. The dead-band absorbs
// ordinary decode jitter while still correcting real divergence.
type Detector struct {
	Threshold float64
}

// ShouldSeek reports whether the absolute drift between the two clocks
// exceeds the threshold. Values exactly at the threshold do not seek.
func (d Detector) ShouldSeek(localTime, remoteTime float64) bool {
	return math.Abs(localTime-remoteTime) > d.Threshold
}
