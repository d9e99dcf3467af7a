package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/couchsync/server/internal/domain"
)

// ClassifyQuality maps round-trip latency and packet loss onto the ordinal
// quality scale. Latency above 500 ms or loss above 10 % always lands on the
// lowest non-zero level; the bounds tighten progressively towards excellent.
func ClassifyQuality(latencyMs, lossPct float64) int {
	switch {
	case latencyMs <= 150 && lossPct <= 1:
		return domain.QualityExcellent
	case latencyMs <= 250 && lossPct <= 3:
		return domain.QualityGood
	case latencyMs <= 400 && lossPct <= 7:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// extractQuality pulls latency and loss out of a pion stats report. The
// second return is false when the report carries no usable transport stats
// yet, which callers classify as unusable.
func extractQuality(report webrtc.StatsReport) (domain.ConnectionQuality, bool) {
	var (
		latencyMs float64
		lossPct   float64
		found     bool
	)

	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.State == webrtc.StatsICECandidatePairStateSucceeded {
				latencyMs = s.CurrentRoundTripTime * 1000
				found = true
			}
		case webrtc.RemoteInboundRTPStreamStats:
			lossPct = s.FractionLost * 100
		}
	}

	if !found {
		return domain.ConnectionQuality{Level: domain.QualityUnusable}, false
	}

	return domain.ConnectionQuality{
		Level:         ClassifyQuality(latencyMs, lossPct),
		LatencyMs:     latencyMs,
		PacketLossPct: lossPct,
	}, true
}
