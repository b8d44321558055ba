package domain

import "time"

type AuditAction string

const (
	ActionSessionCreated        AuditAction = "SESSION_CREATED"
	ActionSessionJoined         AuditAction = "SESSION_JOINED"
	ActionParticipantLeft       AuditAction = "PARTICIPANT_LEFT"
	ActionReconnectionStarted   AuditAction = "RECONNECTION_STARTED"
	ActionReconnectionSucceeded AuditAction = "RECONNECTION_SUCCEEDED"
	ActionReconnectionExhausted AuditAction = "RECONNECTION_EXHAUSTED"
	ActionQualityDegraded       AuditAction = "QUALITY_DEGRADED"
	ActionSessionEnded          AuditAction = "SESSION_ENDED"
	ActionSessionFailed         AuditAction = "SESSION_FAILED"
)

// SystemActor is recorded for entries no participant caused.
const SystemActor ParticipantID = "system"

var reservedActions = map[AuditAction]struct{}{
	ActionSessionCreated:        {},
	ActionSessionJoined:         {},
	ActionReconnectionStarted:   {},
	ActionReconnectionSucceeded: {},
	ActionReconnectionExhausted: {},
	ActionQualityDegraded:       {},
	ActionSessionEnded:          {},
	ActionSessionFailed:         {},
}

// Reserved actions are written by the lifecycle only.
func (a AuditAction) Reserved() bool {
	_, ok := reservedActions[a]
	return ok
}

type AuditEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	ActorID   ParticipantID `json:"actorId"`
	Action    AuditAction   `json:"action"`
	Detail    string        `json:"detail,omitempty"`
}
