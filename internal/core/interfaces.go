package core

import (
	"context"
	"slices"
	"time"

	"github.com/dkeye/Telehealth/internal/domain"
)

// SessionUpdate is an atomic partial update. Nil fields are left alone;
// PushAudit is appended in order, like a document store $push.
type SessionUpdate struct {
	Status             *domain.Status
	ActualStart        *time.Time
	EndedAt            *time.Time
	EndReason          *string
	EncryptionVerified *bool
	PushAudit          []domain.AuditEntry
}

func (u SessionUpdate) Apply(s *domain.Session, at time.Time) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.ActualStart != nil {
		t := *u.ActualStart
		s.ActualStart = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		s.EndedAt = &t
	}
	if u.EndReason != nil {
		s.EndReason = *u.EndReason
	}
	if u.EncryptionVerified != nil {
		s.Security.EncryptionVerified = *u.EncryptionVerified
	}
	s.AuditLog = append(s.AuditLog, u.PushAudit...)
	s.UpdatedAt = at
}

// Empty reports whether applying u would change nothing but UpdatedAt.
func (u SessionUpdate) Empty() bool {
	return u.Status == nil && u.ActualStart == nil && u.EndedAt == nil &&
		u.EndReason == nil && u.EncryptionVerified == nil && len(u.PushAudit) == 0
}

// Clone copies u so it no longer aliases the caller's state.
func (u SessionUpdate) Clone() SessionUpdate {
	c := SessionUpdate{PushAudit: slices.Clone(u.PushAudit)}
	c.Status = clonePtr(u.Status)
	c.ActualStart = clonePtr(u.ActualStart)
	c.EndedAt = clonePtr(u.EndedAt)
	c.EndReason = clonePtr(u.EndReason)
	c.EncryptionVerified = clonePtr(u.EncryptionVerified)
	return c
}

// Then folds next behind u: fields set in next win, audit entries keep
// their order.
func (u SessionUpdate) Then(next SessionUpdate) SessionUpdate {
	out := u.Clone()
	n := next.Clone()
	if n.Status != nil {
		out.Status = n.Status
	}
	if n.ActualStart != nil {
		out.ActualStart = n.ActualStart
	}
	if n.EndedAt != nil {
		out.EndedAt = n.EndedAt
	}
	if n.EndReason != nil {
		out.EndReason = n.EndReason
	}
	if n.EncryptionVerified != nil {
		out.EncryptionVerified = n.EncryptionVerified
	}
	out.PushAudit = append(out.PushAudit, n.PushAudit...)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type SessionStore interface {
	Create(ctx context.Context, s *domain.Session) error
	FindByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	FindByIDAndUpdate(ctx context.Context, id domain.SessionID, u SessionUpdate) (*domain.Session, error)
}

// IdempotencyStore maps an appointment key to the session created for it.
type IdempotencyStore interface {
	// Claim stores id under key unless the key is taken, in which case the
	// existing id is returned with claimed == false.
	Claim(ctx context.Context, key string, id domain.SessionID) (existing domain.SessionID, claimed bool, err error)
	Release(ctx context.Context, key string) error
}

type Principal struct {
	Subject domain.ParticipantID
	Role    domain.Role
	Expires time.Time
}

type IdentityService interface {
	ValidateToken(ctx context.Context, token string, expected domain.Role) (Principal, error)
}

type AlertSink interface {
	TriggerAlert(ctx context.Context, a domain.Alert) error
}
