// Package quality classifies connection statistics and turns sustained
// degradation into alerts without ever blocking the sampling path.
package quality

import (
	"fmt"
	"strings"

	"github.com/dkeye/Telehealth/internal/domain"
)

type Thresholds struct {
	MinBitrateKbps   float64
	MaxPacketLossPct float64
	MaxLatencyMs     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinBitrateKbps: 500, MaxPacketLossPct: 2, MaxLatencyMs: 300}
}

// Breaches lists every threshold the sample violates.
func (t Thresholds) Breaches(s domain.QualitySample) []string {
	var out []string
	if s.BitrateKbps < t.MinBitrateKbps {
		out = append(out, fmt.Sprintf("bitrate %.0fkbps < %.0f", s.BitrateKbps, t.MinBitrateKbps))
	}
	if s.PacketLossPct > t.MaxPacketLossPct {
		out = append(out, fmt.Sprintf("packet loss %.1f%% > %.1f", s.PacketLossPct, t.MaxPacketLossPct))
	}
	if s.LatencyMs > t.MaxLatencyMs {
		out = append(out, fmt.Sprintf("latency %.0fms > %.0f", s.LatencyMs, t.MaxLatencyMs))
	}
	return out
}

func (t Thresholds) Evaluate(s domain.QualitySample) domain.Verdict {
	if len(t.Breaches(s)) > 0 {
		return domain.VerdictDegraded
	}
	return domain.VerdictGood
}

// Describe renders the breaches for alert messages.
func (t Thresholds) Describe(s domain.QualitySample) string {
	return strings.Join(t.Breaches(s), ", ")
}
