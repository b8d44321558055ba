package core

import (
	"context"
	"time"

	"github.com/dkeye/Telehealth/internal/domain"
)

type RoomID string

// DisconnectReason is the code the transport attaches to a participant
// dropping out of a room.
type DisconnectReason string

const (
	ReasonNetworkLoss   DisconnectReason = "NETWORK_LOSS"
	ReasonICEFailure    DisconnectReason = "ICE_FAILURE"
	ReasonProviderError DisconnectReason = "PROVIDER_ERROR"
	ReasonTimeout       DisconnectReason = "TIMEOUT"
	ReasonClientLeft    DisconnectReason = "CLIENT_LEFT"
	ReasonRoomClosed    DisconnectReason = "ROOM_CLOSED"
)

// Involuntary reports whether the reason should trigger reconnection.
func (r DisconnectReason) Involuntary() bool {
	switch r {
	case ReasonNetworkLoss, ReasonICEFailure, ReasonProviderError, ReasonTimeout:
		return true
	}
	return false
}

// TransportEvent is emitted by a MediaProvider whenever a participant's
// connection drops.
type TransportEvent struct {
	Room        RoomID
	Participant domain.ParticipantID
	Reason      DisconnectReason
	At          time.Time
}

type RoomSpec struct {
	SessionID domain.SessionID
	Tech      domain.TechConfig
	DTLSRole  string
}

type JoinGrant struct {
	Room        RoomID               `json:"roomId"`
	Participant domain.ParticipantID `json:"participantId"`
	AccessToken string               `json:"accessToken"`
}

// MediaProvider is the narrow capability the orchestrator needs from a
// real-time media routing service.
type MediaProvider interface {
	CreateRoom(ctx context.Context, spec RoomSpec) (RoomID, error)
	JoinRoom(ctx context.Context, room RoomID, participant domain.ParticipantID, role domain.Role) (JoinGrant, error)
	ConnectionStats(ctx context.Context, room RoomID) (domain.QualitySample, error)
	DisconnectRoom(ctx context.Context, room RoomID) error
	// Events delivers disconnects for every room the provider manages.
	Events() <-chan TransportEvent
}

// EncryptionChecker tells the compliance gate whether a configuration can be
// carried end-to-end encrypted.
type EncryptionChecker interface {
	EncryptionSupported(cfg domain.TechConfig) bool
}
