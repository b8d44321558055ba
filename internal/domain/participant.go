package domain

import "strings"

const MaxParticipantIDLen = 64

type ParticipantID string

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleObserver Role = "observer"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleProvider, RoleObserver, RoleAdmin:
		return true
	}
	return false
}

// ParseRole is case-insensitive; unknown roles come back empty.
func ParseRole(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return ""
	}
	return r
}

func ValidParticipantID(id ParticipantID) bool {
	return id != "" && len(id) <= MaxParticipantIDLen
}
