package app

import (
	"fmt"
	"slices"

	"github.com/dkeye/Telehealth/internal/domain"
)

// Policy decides which principals may join or end a session.
type Policy interface {
	AuthorizeJoin(s *domain.Session, actor domain.ParticipantID, role domain.Role) error
	AuthorizeEnd(s *domain.Session, actor domain.ParticipantID, role domain.Role) error
}

// SimplePolicy seats the patient and provider, admits observers only when
// the session allows them, and lets the two seated parties, admins and the
// system end a session.
type SimplePolicy struct{}

func (SimplePolicy) AuthorizeJoin(s *domain.Session, actor domain.ParticipantID, role domain.Role) error {
	switch role {
	case domain.RolePatient:
		if actor == s.PatientID {
			return nil
		}
	case domain.RoleProvider:
		if actor == s.ProviderID {
			return nil
		}
	case domain.RoleObserver:
		if s.AllowObservers && (len(s.Observers) == 0 || slices.Contains(s.Observers, actor)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not join as %q", domain.ErrUnauthorized, actor, role)
}

func (SimplePolicy) AuthorizeEnd(s *domain.Session, actor domain.ParticipantID, role domain.Role) error {
	if actor == domain.SystemActor || role == domain.RoleAdmin {
		return nil
	}
	if actor != "" && (actor == s.PatientID || actor == s.ProviderID) {
		return nil
	}
	return fmt.Errorf("%w: %s may not end this session", domain.ErrUnauthorized, actor)
}
