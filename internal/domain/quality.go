package domain

import "time"

type QualitySample struct {
	Timestamp     time.Time `json:"timestamp"`
	BitrateKbps   float64   `json:"bitrate"`
	PacketLossPct float64   `json:"packetLoss"`
	LatencyMs     float64   `json:"latency"`
	JitterMs      float64   `json:"jitter"`
}

type Verdict string

const (
	VerdictGood     Verdict = "GOOD"
	VerdictDegraded Verdict = "DEGRADED"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

type AlertKind string

const (
	AlertQuality   AlertKind = "QUALITY"
	AlertReconnect AlertKind = "RECONNECT"
	AlertAudit     AlertKind = "AUDIT"
)

// Alert is the payload handed to the notification sink.
type Alert struct {
	SessionID SessionID      `json:"sessionId"`
	Kind      AlertKind      `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metrics   *QualitySample `json:"metrics,omitempty"`
	RaisedAt  time.Time      `json:"raisedAt"`
}
