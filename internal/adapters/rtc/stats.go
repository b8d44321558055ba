package rtc

import (
	"time"

	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/pion/webrtc/v4"
)

// counters are the cumulative inbound totals of a room at one instant.
type counters struct {
	at       time.Time
	bytes    uint64
	received int64
	lost     int64
}

// summarize folds the stats of every peer in a room into one sample. Rates
// are computed against prev; the first call of a room has no bitrate.
func summarize(reports []webrtc.StatsReport, prev counters, now time.Time) (domain.QualitySample, counters) {
	cur := counters{at: now}
	var rtt, jitter float64
	for _, report := range reports {
		for _, st := range report {
			switch s := st.(type) {
			case webrtc.InboundRTPStreamStats:
				cur.bytes += s.BytesReceived
				cur.received += int64(s.PacketsReceived)
				cur.lost += int64(s.PacketsLost)
				jitter = max(jitter, s.Jitter)
			case webrtc.ICECandidatePairStats:
				if s.Nominated {
					rtt = max(rtt, s.CurrentRoundTripTime)
				}
			case webrtc.RemoteInboundRTPStreamStats:
				rtt = max(rtt, s.RoundTripTime)
			}
		}
	}

	sample := domain.QualitySample{
		Timestamp: now.UTC(),
		LatencyMs: rtt * 1000,
		JitterMs:  jitter * 1000,
	}
	if elapsed := now.Sub(prev.at).Seconds(); !prev.at.IsZero() && elapsed > 0 && cur.bytes >= prev.bytes {
		sample.BitrateKbps = float64(cur.bytes-prev.bytes) * 8 / 1000 / elapsed
	}
	received, lost := cur.received-prev.received, cur.lost-prev.lost
	if received < 0 || lost < 0 {
		received, lost = cur.received, cur.lost
	}
	if total := received + lost; total > 0 && lost > 0 {
		sample.PacketLossPct = float64(lost) / float64(total) * 100
	}
	return sample, cur
}
