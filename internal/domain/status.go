package domain

type Status string

const (
	StatusScheduled    Status = "SCHEDULED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusReconnecting Status = "RECONNECTING"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
	StatusFailed       Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusScheduled:    {StatusInProgress, StatusCancelled},
	StatusInProgress:   {StatusReconnecting, StatusCompleted, StatusFailed},
	StatusReconnecting: {StatusInProgress, StatusCompleted, StatusFailed},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Live reports whether participants may still be connected.
func (s Status) Live() bool {
	return s == StatusInProgress || s == StatusReconnecting
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Joinable reports whether joinSession is accepted in this status.
func (s Status) Joinable() bool {
	return s == StatusScheduled || s.Live()
}
