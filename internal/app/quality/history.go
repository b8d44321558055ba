package quality

import "github.com/dkeye/Telehealth/internal/domain"

// AppendBounded adds s to h keeping at most max entries, oldest dropped.
// Samples older than the newest entry are rejected so history stays ordered.
func AppendBounded(h []domain.QualitySample, s domain.QualitySample, max int) ([]domain.QualitySample, bool) {
	if n := len(h); n > 0 && s.Timestamp.Before(h[n-1].Timestamp) {
		return h, false
	}
	h = append(h, s)
	if max > 0 && len(h) > max {
		h = append(h[:0:0], h[len(h)-max:]...)
	}
	return h, true
}
