// Package policy renders the initial verdict for an access request.
//
// Engines are pure decision procedures: the same input under the same rules
// always yields the same verdict, and evaluation never writes anything. The
// lifecycle engine treats any error as a policy failure and never
// substitutes a default verdict.
package policy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sentinel-sh/sentinel/internal/access"
)

// Input is what an engine sees of a request.
type Input struct {
	AgentID    string
	ResourceID string
	Intent     access.Intent
}

// Verdict is an engine's decision. Status is APPROVED, PENDING_APPROVAL
// or DENIED.
type Verdict struct {
	Status access.Status
	Reason string
}

// Valid reports whether v carries one of the three initial statuses.
func (v Verdict) Valid() bool {
	switch v.Status {
	case access.StatusApproved, access.StatusPending, access.StatusDenied:
		return true
	}
	return false
}

// Engine renders verdicts.
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, in Input) (Verdict, error)

func (f Func) Evaluate(ctx context.Context, in Input) (Verdict, error) { return f(ctx, in) }

// Swappable forwards to an engine that can be replaced at runtime, for
// config hot-reload. Each Evaluate sees exactly one engine version.
type Swappable struct {
	cur atomic.Pointer[engineBox]
}

type engineBox struct{ e Engine }

// NewSwappable starts with e.
func NewSwappable(e Engine) *Swappable {
	s := &Swappable{}
	s.Swap(e)
	return s
}

// Swap installs e for subsequent evaluations.
func (s *Swappable) Swap(e Engine) {
	s.cur.Store(&engineBox{e: e})
}

func (s *Swappable) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	box := s.cur.Load()
	if box == nil || box.e == nil {
		return Verdict{}, fmt.Errorf("no policy engine installed")
	}
	return box.e.Evaluate(ctx, in)
}
