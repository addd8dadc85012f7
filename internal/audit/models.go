package audit

import "time"

// Event names a state-changing step in a request's life.
type Event string

const (
	EventCreated        Event = "created"
	EventPolicyDecision Event = "policy_decision"
	EventAdminApprove   Event = "admin_approve"
	EventAdminDeny      Event = "admin_deny"
	EventIssued         Event = "issued"
	EventExpired        Event = "expired"
	EventRevoked        Event = "revoked"
)

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case EventCreated, EventPolicyDecision, EventAdminApprove, EventAdminDeny,
		EventIssued, EventExpired, EventRevoked:
		return true
	default:
		return false
	}
}

// Entry is a single append-only audit record.
type Entry struct {
	Seq       int64     `json:"seq"`
	RequestID string    `json:"request_id"`
	At        time.Time `json:"at"`
	Event     Event     `json:"event"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// QueryOpts holds filters for cross-request audit queries.
type QueryOpts struct {
	Event Event
	Actor string
	Since time.Time
	Limit int
}
