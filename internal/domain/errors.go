package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrComplianceViolation = errors.New("compliance violation")
	ErrNotFound            = errors.New("session not found")
	ErrProviderUnavailable = errors.New("media provider unavailable")
	ErrAuditWriteFailure   = errors.New("audit write failure")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDuplicateRequest    = errors.New("duplicate request in flight")

	ErrEncryptionUnavailable = fmt.Errorf("%w: encryption unavailable", ErrComplianceViolation)
	ErrConsentMissing        = fmt.Errorf("%w: consent missing", ErrComplianceViolation)
)

// TransitionError keeps both ends of a rejected transition for logs and API bodies.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
