// Package compliance decides whether a session request may be given media
// resources at all. It performs no I/O; persisting the outcome is up to the
// caller.
package compliance

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/rs/zerolog/log"
)

type Policy struct {
	Version            string
	RequireEncryption  bool
	ConsentRequiredFor []domain.OperationType
	AllowedTiers       []domain.QualityTier
	DTLSRole           string
}

// Record is the proof of admission that initializeSession requires.
type Record struct {
	AppointmentRef     string    `json:"appointmentRef"`
	EncryptionVerified bool      `json:"encryptionVerified"`
	ConsentObtained    bool      `json:"consentObtained"`
	ConsentDeferred    bool      `json:"consentDeferred"`
	ComplianceVersion  string    `json:"complianceVersion"`
	DTLSRole           string    `json:"dtlsRole"`
	IssuedAt           time.Time `json:"issuedAt"`
}

func (r Record) Security() domain.SecurityMeta {
	return domain.SecurityMeta{
		EncryptionVerified: r.EncryptionVerified,
		ConsentObtained:    r.ConsentObtained,
		ConsentDeferred:    r.ConsentDeferred,
		ComplianceVersion:  r.ComplianceVersion,
		DTLSRole:           r.DTLSRole,
	}
}

type Gate struct {
	policy Policy
	crypto core.EncryptionChecker
	now    func() time.Time
}

func NewGate(policy Policy, crypto core.EncryptionChecker) *Gate {
	return &Gate{policy: policy, crypto: crypto, now: time.Now}
}

func (g *Gate) Admit(req domain.SessionRequest) (Record, error) {
	if err := validateRequest(req); err != nil {
		return Record{}, err
	}
	if len(g.policy.AllowedTiers) > 0 && !slices.Contains(g.policy.AllowedTiers, req.Tech.QualityTier) {
		return Record{}, fmt.Errorf("%w: quality tier %q not allowed", domain.ErrInvalidRequest, req.Tech.QualityTier)
	}

	encrypted := g.crypto != nil && g.crypto.EncryptionSupported(req.Tech)
	if !encrypted && g.policy.RequireEncryption {
		log.Warn().
			Str("module", "app.compliance").
			Str("appointment", req.AppointmentRef).
			Str("audio", req.Tech.AudioCodec).
			Str("video", req.Tech.VideoCodec).
			Msg("encryption not negotiable")
		return Record{}, domain.ErrEncryptionUnavailable
	}

	rec := Record{
		AppointmentRef:     req.AppointmentRef,
		EncryptionVerified: encrypted,
		ConsentObtained:    req.ConsentObtained,
		ComplianceVersion:  g.policy.Version,
		DTLSRole:           g.policy.DTLSRole,
		IssuedAt:           g.now().UTC(),
	}
	if !req.ConsentObtained {
		if slices.Contains(g.policy.ConsentRequiredFor, req.Operation) {
			return Record{}, fmt.Errorf("%w for %s", domain.ErrConsentMissing, req.Operation)
		}
		rec.ConsentDeferred = true
		log.Info().
			Str("module", "app.compliance").
			Str("appointment", req.AppointmentRef).
			Str("operation", string(req.Operation)).
			Msg("consent deferred")
	}
	return rec, nil
}

func validateRequest(req domain.SessionRequest) error {
	switch {
	case strings.TrimSpace(req.AppointmentRef) == "":
		return fmt.Errorf("%w: appointment reference is required", domain.ErrInvalidRequest)
	case !domain.ValidParticipantID(req.PatientID), !domain.ValidParticipantID(req.ProviderID):
		return fmt.Errorf("%w: patient and provider ids are required", domain.ErrInvalidRequest)
	case req.PatientID == req.ProviderID:
		return fmt.Errorf("%w: patient and provider must differ", domain.ErrInvalidRequest)
	}
	for _, o := range req.Observers {
		if o == req.PatientID || o == req.ProviderID || !domain.ValidParticipantID(o) {
			return fmt.Errorf("%w: bad observer %q", domain.ErrInvalidRequest, o)
		}
	}
	return nil
}
