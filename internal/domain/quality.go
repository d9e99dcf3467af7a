package domain

// Quality levels, worst to best.
const (
	QualityUnusable = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

// ConnectionQuality is derived from live transport statistics and never
// persisted.
type ConnectionQuality struct {
	Level         int     `json:"level"`
	LatencyMs     float64 `json:"latency_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}
