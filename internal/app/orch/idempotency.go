package orch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// IdempotencyKey derives the de-duplication key for an appointment.
func IdempotencyKey(appointmentRef string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(appointmentRef)))
	return "appt:" + hex.EncodeToString(sum[:16])
}
