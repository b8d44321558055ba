package quality

import (
	"fmt"

	"github.com/dkeye/Telehealth/internal/domain"
)

// ResetPolicy decides what clears a degraded streak.
type ResetPolicy int

const (
	// ResetOnGoodSample clears the streak on the first good sample.
	ResetOnGoodSample ResetPolicy = iota
	// ResetAfterRecovery needs RecoverySamples good samples in a row.
	ResetAfterRecovery
)

func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch s {
	case "", "single_good":
		return ResetOnGoodSample, nil
	case "recovery_period":
		return ResetAfterRecovery, nil
	}
	return 0, fmt.Errorf("unknown reset policy %q", s)
}

type StreakPolicy struct {
	Consecutive     int
	Reset           ResetPolicy
	RecoverySamples int
}

// Tracker counts degraded samples for one session. One alert is raised per
// degraded episode. Not safe for concurrent use; the session owns it.
type Tracker struct {
	policy   StreakPolicy
	degraded int
	good     int
	alerted  bool
}

func NewTracker(p StreakPolicy) *Tracker {
	if p.Consecutive < 1 {
		p.Consecutive = 2
	}
	if p.RecoverySamples < 1 {
		p.RecoverySamples = 1
	}
	return &Tracker{policy: p}
}

// Observe feeds one verdict and reports whether an alert must be raised now.
func (t *Tracker) Observe(v domain.Verdict) bool {
	if v == domain.VerdictDegraded {
		t.good = 0
		t.degraded++
		if t.degraded >= t.policy.Consecutive && !t.alerted {
			t.alerted = true
			return true
		}
		return false
	}

	switch t.policy.Reset {
	case ResetAfterRecovery:
		t.good++
		if t.good >= t.policy.RecoverySamples {
			t.clear()
		}
	default:
		t.clear()
	}
	return false
}

func (t *Tracker) Streak() int { return t.degraded }

func (t *Tracker) clear() {
	t.degraded = 0
	t.good = 0
	t.alerted = false
}
