package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/store"
)

// Filter narrows List. Status matches the presented status, so an
// APPROVED filter never returns a lapsed approval.
type Filter struct {
	Status  access.Status
	AgentID string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Poll returns the request as of now. Reads never write.
func (e *Engine) Poll(ctx context.Context, id string) (access.Request, error) {
	ctx, span := e.start(ctx, "Poll", attribute.String("request.id", id))
	defer span.End()

	req, err := e.store.Get(ctx, id)
	if err != nil {
		return access.Request{}, fail(span, storeError("poll", id, err))
	}
	shown := req.Present(e.clock())
	span.SetAttributes(attribute.String("request.status", string(shown.Status)))
	return shown, nil
}

// List returns matching requests, newest first, each presented as of now.
func (e *Engine) List(ctx context.Context, f Filter) ([]access.Request, error) {
	const op = "list"
	ctx, span := e.start(ctx, "List")
	defer span.End()

	if f.Limit < 0 {
		return nil, fail(span, &access.Error{Kind: access.KindInvalidRequest, Op: op, Msg: "limit must not be negative"})
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, fail(span, &access.Error{Kind: access.KindInvalidRequest, Op: op, Msg: "until is before since"})
	}

	sf := store.Filter{AgentID: f.AgentID, Since: f.Since, Until: f.Until}
	switch f.Status {
	case "":
		sf.Limit = f.Limit
	case access.StatusPending, access.StatusDenied:
		sf.Statuses = []access.Status{f.Status}
		sf.Limit = f.Limit
	case access.StatusApproved, access.StatusExpired:
		// Stored APPROVED rows may present as EXPIRED, so both are read
		// and the limit applies after projection.
		sf.Statuses = []access.Status{access.StatusApproved, access.StatusExpired}
	default:
		return nil, fail(span, &access.Error{Kind: access.KindInvalidRequest, Op: op, Msg: fmt.Sprintf("unknown status %q", f.Status)})
	}

	rows, err := e.store.List(ctx, sf)
	if err != nil {
		return nil, fail(span, storeError(op, "", err))
	}
	now := e.clock()
	out := make([]access.Request, 0, len(rows))
	for _, r := range rows {
		shown := r.Present(now)
		if f.Status != "" && shown.Status != f.Status {
			continue
		}
		out = append(out, shown)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	span.SetAttributes(attribute.Int("result.count", len(out)))
	return out, nil
}

// History returns the full audit trail of id in append order.
func (e *Engine) History(ctx context.Context, id string) ([]audit.Entry, error) {
	const op = "history"
	ctx, span := e.start(ctx, "History", attribute.String("request.id", id))
	defer span.End()

	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, fail(span, storeError(op, id, err))
	}
	entries, err := e.store.EntriesFor(ctx, id)
	if err != nil {
		return nil, fail(span, storeError(op, id, err))
	}
	return entries, nil
}

// SearchAudit queries the ledger across requests, newest first.
func (e *Engine) SearchAudit(ctx context.Context, opts audit.QueryOpts) ([]audit.Entry, error) {
	entries, err := e.store.SearchAudit(ctx, opts)
	if err != nil {
		return nil, storeError("audit", "", err)
	}
	return entries, nil
}
