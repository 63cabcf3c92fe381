package domain

// Status is the closed set of session lifecycle states. Transitions are
// only valid when listed in the transition table below; everything else
// is ErrInvalidTransition.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRinging   Status = "RINGING"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"

	StatusCompleted    Status = "COMPLETED"
	StatusRejected     Status = "REJECTED"
	StatusCancelled    Status = "CANCELLED"
	StatusExpired      Status = "EXPIRED"
	StatusMissed       Status = "MISSED"
	StatusFailed       Status = "FAILED"
	StatusAutoEnded    Status = "AUTO_ENDED"
	StatusDisconnected Status = "DISCONNECTED"
)

var transitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusRejected, StatusCancelled, StatusExpired, StatusMissed, StatusFailed},
	StatusAccepted:  {StatusRinging, StatusActive, StatusCancelled, StatusExpired, StatusMissed, StatusFailed},
	StatusRinging:   {StatusActive, StatusCancelled, StatusExpired, StatusMissed, StatusFailed},
	StatusActive:    {StatusPaused, StatusCompleted, StatusAutoEnded, StatusDisconnected, StatusFailed},
	StatusPaused:    {StatusActive, StatusCompleted, StatusAutoEnded, StatusDisconnected, StatusFailed},
}

var terminal = map[Status]struct{}{
	StatusCompleted:    {},
	StatusRejected:     {},
	StatusCancelled:    {},
	StatusExpired:      {},
	StatusMissed:       {},
	StatusFailed:       {},
	StatusAutoEnded:    {},
	StatusDisconnected: {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists the source states that may move to the given state.
func AllowedFrom(to Status) []Status {
	var out []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// IsTerminal reports whether no further transition is permitted.
func IsTerminal(status Status) bool {
	_, ok := terminal[status]
	return ok
}

// IsBillable reports whether billing ticks may accrue in this state.
func IsBillable(status Status) bool {
	return status == StatusActive
}

// IsPreConnected reports states before the parties are connected, where
// the requester may still cancel.
func IsPreConnected(status Status) bool {
	switch status {
	case StatusRequested, StatusAccepted, StatusRinging:
		return true
	default:
		return false
	}
}
