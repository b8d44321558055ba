// Package notify delivers alerts to the configured alerting channel.
package notify

import (
	"context"

	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes alerts to the structured log. It is the default sink and
// the fallback when no broker is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("module", "adapters.notify").Logger()}
}

func (s *LogSink) TriggerAlert(_ context.Context, a domain.Alert) error {
	ev := s.logger.Warn()
	if a.Severity == domain.SeverityHigh {
		ev = s.logger.Error()
	}
	ev = ev.Str("session_id", string(a.SessionID)).
		Str("kind", string(a.Kind)).
		Str("severity", string(a.Severity)).
		Time("raised_at", a.RaisedAt)
	if m := a.Metrics; m != nil {
		ev = ev.Float64("bitrate_kbps", m.BitrateKbps).
			Float64("packet_loss_pct", m.PacketLossPct).
			Float64("latency_ms", m.LatencyMs)
	}
	ev.Msg(a.Message)
	return nil
}
