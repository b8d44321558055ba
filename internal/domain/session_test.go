package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusInProgress, StatusReconnecting, true},
		{StatusReconnecting, StatusInProgress, true},
		{StatusReconnecting, StatusFailed, true},
		{StatusInProgress, StatusScheduled, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusFailed, StatusReconnecting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTransitionRequiresEncryption(t *testing.T) {
	s := &Session{Status: StatusScheduled}
	err := s.Transition(StatusInProgress, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrComplianceViolation))
	assert.Equal(t, StatusScheduled, s.Status)

	s.Security.EncryptionVerified = true
	require.NoError(t, s.Transition(StatusInProgress, time.Now()))
	assert.NotNil(t, s.ActualStart)
}

func TestTransitionOutOfTerminal(t *testing.T) {
	s := &Session{Status: StatusCompleted}
	err := s.Transition(StatusInProgress, time.Now())
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, te.From)
}

func TestStampAuditMonotonic(t *testing.T) {
	now := time.Now()
	s := &Session{}
	s.AuditLog = append(s.AuditLog, s.StampAudit(AuditEntry{Timestamp: now, Action: ActionSessionCreated}))
	e := s.StampAudit(AuditEntry{Timestamp: now.Add(-time.Second), Action: ActionSessionJoined})
	assert.True(t, e.Timestamp.After(now))
}

func TestRoleOf(t *testing.T) {
	s := &Session{PatientID: "P1", ProviderID: "D1", Observers: []ParticipantID{"O1"}}
	r, ok := s.RoleOf("D1")
	assert.True(t, ok)
	assert.Equal(t, RoleProvider, r)
	r, _ = s.RoleOf("O1")
	assert.Equal(t, RoleObserver, r)
	_, ok = s.RoleOf("X")
	assert.False(t, ok)
}
