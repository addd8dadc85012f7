package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/screen"
)

// IntentScanner screens an intent's free text.
type IntentScanner interface {
	Scan(ctx context.Context, intent access.Intent) (*screen.Outcome, error)
}

// Screened runs Next, then screens the intent of anything it did not deny.
// A blocking finding denies the request; an escalating finding turns an
// auto-approval into PENDING_APPROVAL. Scan errors are returned, never
// downgraded to a verdict.
type Screened struct {
	Next    Engine
	Scanner IntentScanner
}

var _ Engine = (*Screened)(nil)

func (s *Screened) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	v, err := s.Next.Evaluate(ctx, in)
	if err != nil || v.Status == access.StatusDenied {
		return v, err
	}
	outcome, err := s.Scanner.Scan(ctx, in.Intent)
	if err != nil {
		return Verdict{}, fmt.Errorf("intent screening: %w", err)
	}
	switch outcome.Verdict {
	case screen.VerdictBlock:
		return Verdict{
			Status: access.StatusDenied,
			Reason: "intent rejected by screening: " + strings.Join(outcome.RuleIDs(), ", "),
		}, nil
	case screen.VerdictEscalate:
		if v.Status == access.StatusApproved {
			return Verdict{
				Status: access.StatusPending,
				Reason: "intent flagged for review: " + strings.Join(outcome.RuleIDs(), ", "),
			}, nil
		}
	}
	return v, nil
}
