// Package store persists access requests and owns every mutation of them.
//
// Transition is the only way a stored request changes: a conditional write
// guarded by the expected current status, committed in the same transaction
// as the audit entries that describe it. Either both land or neither does.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("request not found")
	// ErrConflict matches any *ConflictError.
	ErrConflict = errors.New("status conflict")
	// ErrDuplicateID is returned by Create when the id already exists.
	ErrDuplicateID = errors.New("request id already exists")
	// ErrInvalidRecord is returned for records that break the model invariants.
	ErrInvalidRecord = errors.New("invalid request record")
)

// ConflictError reports that a conditional transition found a different
// status than expected. Nothing was written.
type ConflictError struct {
	ID       string
	Expected access.Status
	Actual   access.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("request %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses []access.Status
	AgentID  string
	// Since is inclusive, Until exclusive, both on created_at.
	Since time.Time
	Until time.Time
	// ExpiredBy selects rows whose stored secret expires at or before it.
	ExpiredBy time.Time
	Limit     int
}

// Transition is a compare-and-swap status change. A nil Decision keeps the
// stored one; Secret always replaces the stored secret.
type Transition struct {
	ID       string
	From     access.Status
	To       access.Status
	Decision *access.Decision
	Secret   *access.Secret
	Entries  []audit.Entry
}

// Store is the request persistence contract.
type Store interface {
	Create(ctx context.Context, req access.Request, entries ...audit.Entry) error
	Get(ctx context.Context, id string) (access.Request, error)
	List(ctx context.Context, f Filter) ([]access.Request, error)
	Transition(ctx context.Context, t Transition) (access.Request, error)
	EntriesFor(ctx context.Context, requestID string) ([]audit.Entry, error)
	SearchAudit(ctx context.Context, opts audit.QueryOpts) ([]audit.Entry, error)
	Close() error
}

// Sealer encrypts secret values at rest, bound to the request id.
type Sealer interface {
	Seal(plaintext, aad string) (string, error)
	Open(sealed, aad string) (string, error)
}

// Option configures a backend.
type Option func(*options)

type options struct {
	sealer Sealer
}

// WithSealer encrypts secret values before they are written.
func WithSealer(s Sealer) Option {
	return func(o *options) { o.sealer = s }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// checkRecord enforces the stored-record invariants every backend shares.
func checkRecord(req access.Request) error {
	switch {
	case req.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case !req.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, req.Status)
	case req.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at is required", ErrInvalidRecord)
	case req.Status == access.StatusApproved && req.Secret == nil:
		return fmt.Errorf("%w: approved request without secret", ErrInvalidRecord)
	case req.Status != access.StatusApproved && req.Secret != nil:
		return fmt.Errorf("%w: secret attached to %s request", ErrInvalidRecord, req.Status)
	}
	return nil
}

func checkTransition(t Transition) error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !access.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", access.ErrInvalidTransition, t.From, t.To)
	}
	if t.To == access.StatusApproved && t.Secret == nil {
		return fmt.Errorf("%w: approved request without secret", ErrInvalidRecord)
	}
	if t.To != access.StatusApproved && t.Secret != nil {
		return fmt.Errorf("%w: secret attached to %s request", ErrInvalidRecord, t.To)
	}
	return checkEntries(t.ID, t.Entries)
}

// checkEntries validates audit entries up front so a bad entry never
// reaches the database half way through a transaction.
func checkEntries(id string, entries []audit.Entry) error {
	for _, e := range entries {
		if e.RequestID != id {
			return fmt.Errorf("%w: entry for %q attached to %q", audit.ErrInvalidEntry, e.RequestID, id)
		}
		if err := audit.Validate(e); err != nil {
			return err
		}
	}
	return nil
}

func matches(f Filter, r access.Request) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
		return false
	}
	if !f.ExpiredBy.IsZero() && (r.Secret == nil || r.Secret.ExpiresAt.After(f.ExpiredBy)) {
		return false
	}
	return true
}
