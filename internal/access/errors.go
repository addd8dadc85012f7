package access

import (
	"errors"
	"fmt"
)

// Kind classifies lifecycle failures for the transport layer.
type Kind string

const (
	KindInvalidRequest     Kind = "invalid_request"
	KindNotFound           Kind = "not_found"
	KindPreconditionFailed Kind = "precondition_failed"
	KindIssuanceFailure    Kind = "issuance_failure"
	KindPolicyFailure      Kind = "policy_failure"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("request not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrIssuanceFailure    = errors.New("secret issuance failed")
	ErrPolicyFailure      = errors.New("policy evaluation failed")
)

var kindSentinels = map[Kind]error{
	KindInvalidRequest:     ErrInvalidRequest,
	KindNotFound:           ErrNotFound,
	KindPreconditionFailed: ErrPreconditionFailed,
	KindIssuanceFailure:    ErrIssuanceFailure,
	KindPolicyFailure:      ErrPolicyFailure,
}

// Error is the typed error returned by every lifecycle operation.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	// Status is the observed status for KindPreconditionFailed.
	Status Status
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		if s, ok := kindSentinels[e.Kind]; ok {
			msg = s.Error()
		} else {
			msg = string(e.Kind)
		}
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.ID, msg)
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind sentinel so callers can write errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Msg: fmt.Sprintf(format, args...)}
}
