package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/server/internal/domain"
)

func TestClassifyQuality(t *testing.T) {
	tests := []struct {
		name      string
		latencyMs float64
		lossPct   float64
		want      int
	}{
		{"excellent", 50, 0.5, domain.QualityExcellent},
		{"excellent upper bound", 150, 1, domain.QualityExcellent},
		{"good on latency", 200, 0.5, domain.QualityGood},
		{"good on loss", 100, 2, domain.QualityGood},
		{"fair", 350, 5, domain.QualityFair},
		{"poor on latency", 450, 0, domain.QualityPoor},
		{"poor on loss", 50, 8, domain.QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyQuality(tt.latencyMs, tt.lossPct))
		})
	}
}

func TestExtractQuality(t *testing.T) {
	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Nominated:            true,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.2,
		},
		"inbound": webrtc.RemoteInboundRTPStreamStats{
			FractionLost: 0.02,
		},
	}

	quality, ok := extractQuality(report)
	require.True(t, ok)
	assert.Equal(t, domain.QualityGood, quality.Level)
	assert.InDelta(t, 200, quality.LatencyMs, 0.001)
	assert.InDelta(t, 2, quality.PacketLossPct, 0.001)
}

func TestExtractQualityNoNominatedPair(t *testing.T) {
	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Nominated: false,
			State:     webrtc.StatsICECandidatePairStateInProgress,
		},
	}

	quality, ok := extractQuality(report)
	assert.False(t, ok, "a report without a succeeded pair carries no usable stats")
	assert.Equal(t, domain.QualityUnusable, quality.Level)
}
