// Package access defines the access-request model shared by the policy,
// issuer, store and lifecycle packages.
package access

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxSummaryLen is the upper bound on Intent.Summary, in runes.
const MaxSummaryLen = 280

// Status is the lifecycle state of an access request.
type Status string

const (
	StatusPending  Status = "PENDING_APPROVAL"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return true
	default:
		return false
	}
}

// ParseStatus accepts the canonical names plus the short lowercase aliases
// used on the command line ("pending", "approved", ...).
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING_APPROVAL", "PENDING":
		return StatusPending, true
	case "APPROVED":
		return StatusApproved, true
	case "DENIED":
		return StatusDenied, true
	case "EXPIRED":
		return StatusExpired, true
	default:
		return "", false
	}
}

// Intent is the caller's justification for a request.
type Intent struct {
	TaskID      string `json:"task_id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

// Validate checks the required intent fields.
func (i Intent) Validate() error {
	for _, f := range [...]struct{ name, value string }{
		{"intent.task_id", i.TaskID},
		{"intent.summary", i.Summary},
		{"intent.description", i.Description},
	} {
		if !utf8.ValidString(f.value) {
			return invalid("%s is not valid UTF-8", f.name)
		}
	}
	if strings.TrimSpace(i.TaskID) == "" {
		return invalid("intent.task_id is required")
	}
	if strings.TrimSpace(i.Summary) == "" {
		return invalid("intent.summary is required")
	}
	if n := utf8.RuneCountInString(i.Summary); n > MaxSummaryLen {
		return invalid("intent.summary is %d characters, max %d", n, MaxSummaryLen)
	}
	return nil
}

// Decision records who moved a request out of PENDING_APPROVAL (or into its
// initial state) and why.
type Decision struct {
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Reason    string    `json:"reason,omitempty"`
}

// DecidedByPolicy and DecidedBySystem are the non-admin deciders.
const (
	DecidedByPolicy = "policy"
	DecidedBySystem = "system"
)

// AdminActor formats an admin identifier as a decider.
func AdminActor(adminID string) string {
	return "admin:" + adminID
}

// Secret is time-boxed credential material issued for an approved request.
type Secret struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsLive reports whether the secret is still valid at now.
func (s Secret) IsLive(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Request is an access request record.
type Request struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	ResourceID   string    `json:"resource_id"`
	Intent       Intent    `json:"intent"`
	TTLRequested int64     `json:"ttl_requested"`
	Status       Status    `json:"status"`
	Decision     *Decision `json:"decision,omitempty"`
	Secret       *Secret   `json:"secret,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Present returns the request as a reader at now must observe it: an
// APPROVED request whose secret has lapsed reads as EXPIRED with no secret,
// whether or not the stored row has been rewritten yet.
func (r Request) Present(now time.Time) Request {
	if r.Status != StatusApproved {
		return r
	}
	if r.Secret != nil && r.Secret.IsLive(now) {
		return r
	}
	r.Status = StatusExpired
	r.Secret = nil
	return r
}

// Stale reports whether the stored row still says APPROVED but the secret
// has lapsed.
func (r Request) Stale(now time.Time) bool {
	return r.Status == StatusApproved && (r.Secret == nil || !r.Secret.IsLive(now))
}

// MaskValue hides all but the first four characters of a secret value.
func MaskValue(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", 8)
}
