// Package domain holds the telehealth session entities and their invariants.
// Nothing in here performs I/O.
package domain

import (
	"slices"
	"time"
)

type SessionID string

type QualityTier string

const (
	TierLow      QualityTier = "LOW"
	TierStandard QualityTier = "STANDARD"
	TierHD       QualityTier = "HD"
)

// TechConfig is fixed once the session starts.
type TechConfig struct {
	QualityTier      QualityTier `json:"qualityTier"`
	AudioCodec       string      `json:"audioCodec"`
	VideoCodec       string      `json:"videoCodec"`
	AudioBitrateKbps int         `json:"audioBitrateKbps"`
	VideoBitrateKbps int         `json:"videoBitrateKbps"`
}

type SecurityMeta struct {
	EncryptionVerified bool   `json:"encryptionVerified"`
	ConsentObtained    bool   `json:"consentObtained"`
	ConsentDeferred    bool   `json:"consentDeferred"`
	ComplianceVersion  string `json:"complianceVersion"`
	DTLSRole           string `json:"dtlsRole"`
}

type Session struct {
	ID             SessionID       `json:"id"`
	CorrelationID  string          `json:"correlationId"`
	AppointmentRef string          `json:"appointmentRef"`
	RoomID         string          `json:"roomId"`
	PatientID      ParticipantID   `json:"patientId"`
	ProviderID     ParticipantID   `json:"providerId"`
	Observers      []ParticipantID `json:"observers,omitempty"`
	AllowObservers bool            `json:"allowObservers"`

	ScheduledStart time.Time  `json:"scheduledStart"`
	ActualStart    *time.Time `json:"actualStart,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`

	Status    Status `json:"status"`
	EndReason string `json:"endReason,omitempty"`

	Security SecurityMeta `json:"security"`
	Tech     TechConfig   `json:"tech"`

	AuditLog       []AuditEntry    `json:"auditLog"`
	QualityHistory []QualitySample `json:"qualityHistory,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoleOf resolves which seat an actor holds in this session.
func (s *Session) RoleOf(id ParticipantID) (Role, bool) {
	switch {
	case id == "":
		return "", false
	case id == s.PatientID:
		return RolePatient, true
	case id == s.ProviderID:
		return RoleProvider, true
	case slices.Contains(s.Observers, id):
		return RoleObserver, true
	}
	return "", false
}

// Transition moves the session to next, enforcing the lifecycle table and
// the rule that unencrypted sessions never go live.
func (s *Session) Transition(next Status, at time.Time) error {
	if !s.Status.CanTransition(next) {
		return &TransitionError{From: s.Status, To: next}
	}
	if next == StatusInProgress && !s.Security.EncryptionVerified {
		return ErrEncryptionUnavailable
	}
	if next == StatusInProgress && s.ActualStart == nil {
		t := at
		s.ActualStart = &t
	}
	if next.Terminal() {
		t := at
		s.EndedAt = &t
	}
	s.Status = next
	s.UpdatedAt = at
	return nil
}

// StampAudit returns entry with a timestamp strictly after the last entry.
func (s *Session) StampAudit(e AuditEntry) AuditEntry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if n := len(s.AuditLog); n > 0 {
		last := s.AuditLog[n-1].Timestamp
		if !e.Timestamp.After(last) {
			e.Timestamp = last.Add(time.Microsecond)
		}
	}
	return e
}

// Clone is a deep copy safe to hand to readers outside the owning goroutine.
func (s *Session) Clone() *Session {
	c := *s
	c.Observers = slices.Clone(s.Observers)
	c.AuditLog = slices.Clone(s.AuditLog)
	c.QualityHistory = slices.Clone(s.QualityHistory)
	if s.ActualStart != nil {
		t := *s.ActualStart
		c.ActualStart = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *Session) CountAudit(action AuditAction) int {
	n := 0
	for _, e := range s.AuditLog {
		if e.Action == action {
			n++
		}
	}
	return n
}

// SessionRequest is what a caller supplies to open a consultation.
type SessionRequest struct {
	AppointmentRef  string          `json:"appointmentRef"`
	PatientID       ParticipantID   `json:"patientId"`
	ProviderID      ParticipantID   `json:"providerId"`
	Observers       []ParticipantID `json:"observers,omitempty"`
	AllowObservers  bool            `json:"allowObservers"`
	ScheduledStart  time.Time       `json:"scheduledStart"`
	Operation       OperationType   `json:"operation"`
	ConsentObtained bool            `json:"consentObtained"`
	Tech            TechConfig      `json:"tech"`
	CorrelationID   string          `json:"-"`
}

type OperationType string

const (
	OpConsultation OperationType = "CONSULTATION"
	OpFollowUp     OperationType = "FOLLOW_UP"
	OpEmergency    OperationType = "EMERGENCY"
)
