package access

import "errors"

// ErrInvalidTransition is returned for a status change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether from → to is an edge of the state machine.
//
//	PENDING_APPROVAL → APPROVED | DENIED
//	APPROVED         → EXPIRED
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusDenied
	case StatusApproved:
		return to == StatusExpired
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s Status) bool {
	return s == StatusDenied || s == StatusExpired
}
