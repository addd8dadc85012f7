package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/issuer"
	"github.com/sentinel-sh/sentinel/internal/store"
)

// Approve moves a pending request to APPROVED and attaches a freshly issued
// secret. A request that is no longer pending yields PreconditionFailed
// naming its current status. An issuance failure changes nothing.
func (e *Engine) Approve(ctx context.Context, id, adminID string) (access.Request, error) {
	const op = "approve"
	ctx, span := e.start(ctx, "Approve", attribute.String("request.id", id), attribute.String("admin.id", adminID))
	defer span.End()

	cur, err := e.pendingRequest(ctx, op, id, adminID)
	if err != nil {
		return access.Request{}, fail(span, err)
	}

	secret, err := e.issuer.Issue(ctx, cur.ResourceID, issuer.Clamp(cur.TTLRequested, e.maxTTL))
	if err != nil {
		e.recorder.IssuanceFailed()
		e.logger.Error("secret issuance failed", "request_id", id, "resource_id", cur.ResourceID, "error", err)
		return access.Request{}, fail(span, &access.Error{Kind: access.KindIssuanceFailure, Op: op, ID: id, Err: err})
	}

	now := e.clock()
	actor := access.AdminActor(adminID)
	updated, err := e.store.Transition(ctx, store.Transition{
		ID:       id,
		From:     access.StatusPending,
		To:       access.StatusApproved,
		Decision: &access.Decision{DecidedBy: actor, DecidedAt: now},
		Secret:   &secret,
		Entries: []audit.Entry{
			{RequestID: id, At: now, Event: audit.EventAdminApprove, Actor: actor},
			issuedEntry(id, now, secret),
		},
	})
	if err != nil {
		return access.Request{}, fail(span, e.transitionError(ctx, op, id, err))
	}

	e.recorder.Decided(op, access.StatusApproved)
	e.logger.Info("request approved", "request_id", id, "admin", adminID, "expires_at", secret.ExpiresAt)
	e.notify(EventApproved, updated, actor, now)
	return updated, nil
}

// Deny moves a pending request to DENIED with reason.
func (e *Engine) Deny(ctx context.Context, id, adminID, reason string) (access.Request, error) {
	const op = "deny"
	ctx, span := e.start(ctx, "Deny", attribute.String("request.id", id), attribute.String("admin.id", adminID))
	defer span.End()

	if _, err := e.pendingRequest(ctx, op, id, adminID); err != nil {
		return access.Request{}, fail(span, err)
	}

	now := e.clock()
	actor := access.AdminActor(adminID)
	updated, err := e.store.Transition(ctx, store.Transition{
		ID:       id,
		From:     access.StatusPending,
		To:       access.StatusDenied,
		Decision: &access.Decision{DecidedBy: actor, DecidedAt: now, Reason: reason},
		Entries: []audit.Entry{
			{RequestID: id, At: now, Event: audit.EventAdminDeny, Actor: actor, Detail: reason},
		},
	})
	if err != nil {
		return access.Request{}, fail(span, e.transitionError(ctx, op, id, err))
	}

	e.recorder.Decided(op, access.StatusDenied)
	e.logger.Info("request denied", "request_id", id, "admin", adminID, "reason", reason)
	e.notify(EventDenied, updated, actor, now)
	return updated, nil
}

// Revoke ends a live approval early. The request becomes EXPIRED and its
// secret is dropped; the approval decision is kept.
func (e *Engine) Revoke(ctx context.Context, id, adminID, reason string) (access.Request, error) {
	const op = "revoke"
	ctx, span := e.start(ctx, "Revoke", attribute.String("request.id", id), attribute.String("admin.id", adminID))
	defer span.End()

	if strings.TrimSpace(adminID) == "" {
		return access.Request{}, fail(span, &access.Error{Kind: access.KindInvalidRequest, Op: op, ID: id, Msg: "admin id is required"})
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return access.Request{}, fail(span, storeError(op, id, err))
	}
	now := e.clock()
	if shown := cur.Present(now); shown.Status != access.StatusApproved {
		return access.Request{}, fail(span, precondition(op, id, access.StatusApproved, shown.Status))
	}

	actor := access.AdminActor(adminID)
	updated, err := e.store.Transition(ctx, store.Transition{
		ID:   id,
		From: access.StatusApproved,
		To:   access.StatusExpired,
		Entries: []audit.Entry{
			{RequestID: id, At: now, Event: audit.EventRevoked, Actor: actor, Detail: reason},
		},
	})
	if err != nil {
		return access.Request{}, fail(span, e.transitionError(ctx, op, id, err))
	}

	e.recorder.Decided(op, access.StatusExpired)
	e.logger.Info("request revoked", "request_id", id, "admin", adminID, "reason", reason)
	e.notify(EventRevoked, updated, actor, now)
	return updated, nil
}

// pendingRequest loads id and checks that it still reads as pending. The
// check only avoids needless issuance; the store transition is the guard.
func (e *Engine) pendingRequest(ctx context.Context, op, id, adminID string) (access.Request, error) {
	if strings.TrimSpace(adminID) == "" {
		return access.Request{}, &access.Error{Kind: access.KindInvalidRequest, Op: op, ID: id, Msg: "admin id is required"}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return access.Request{}, storeError(op, id, err)
	}
	if shown := cur.Present(e.clock()); shown.Status != access.StatusPending {
		e.recorder.Conflict(op)
		return access.Request{}, precondition(op, id, access.StatusPending, shown.Status)
	}
	return cur, nil
}

// transitionError maps a failed transition. On conflict the request is
// re-read so the error names the status a reader would see now.
func (e *Engine) transitionError(ctx context.Context, op, id string, err error) error {
	var ce *store.ConflictError
	if !errors.As(err, &ce) {
		return storeError(op, id, err)
	}
	e.recorder.Conflict(op)
	actual := ce.Actual
	if cur, gerr := e.store.Get(ctx, id); gerr == nil {
		actual = cur.Present(e.clock()).Status
	}
	e.logger.Warn("transition conflict", "op", op, "request_id", id, "expected", ce.Expected, "actual", actual)
	return precondition(op, id, ce.Expected, actual)
}

func precondition(op, id string, want, got access.Status) error {
	return &access.Error{
		Kind:   access.KindPreconditionFailed,
		Op:     op,
		ID:     id,
		Status: got,
		Msg:    fmt.Sprintf("request is %s, not %s", got, want),
	}
}

func issuedEntry(id string, at time.Time, s access.Secret) audit.Entry {
	return audit.Entry{
		RequestID: id,
		At:        at,
		Event:     audit.EventIssued,
		Actor:     access.DecidedBySystem,
		Detail:    fmt.Sprintf("type=%s expires_at=%s", s.Type, s.ExpiresAt.Format(time.RFC3339)),
	}
}
