package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/issuer"
	"github.com/sentinel-sh/sentinel/internal/policy"
)

// SubmitInput is a new access request.
type SubmitInput struct {
	AgentID    string
	ResourceID string
	Intent     access.Intent
	TTLSeconds int64
}

// Validate rejects malformed submissions before anything is stored.
func (in SubmitInput) Validate() error {
	if !utf8.ValidString(in.AgentID) || !utf8.ValidString(in.ResourceID) {
		return &access.Error{Kind: access.KindInvalidRequest, Msg: "agent_id and resource_id must be valid UTF-8"}
	}
	if strings.TrimSpace(in.AgentID) == "" {
		return &access.Error{Kind: access.KindInvalidRequest, Msg: "agent_id is required"}
	}
	if strings.TrimSpace(in.ResourceID) == "" {
		return &access.Error{Kind: access.KindInvalidRequest, Msg: "resource_id is required"}
	}
	if err := in.Intent.Validate(); err != nil {
		return err
	}
	if in.TTLSeconds <= 0 {
		return &access.Error{Kind: access.KindInvalidRequest, Msg: fmt.Sprintf("ttl_seconds must be positive, got %d", in.TTLSeconds)}
	}
	return nil
}

// Submit creates a request with the policy's verdict as its initial status.
// An APPROVED verdict issues the secret before the record is written, so a
// failed issuance leaves no record at all.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (access.Request, error) {
	const op = "submit"
	ctx, span := e.start(ctx, "Submit",
		attribute.String("agent.id", in.AgentID),
		attribute.String("resource.id", in.ResourceID),
	)
	defer span.End()

	if err := in.Validate(); err != nil {
		var ae *access.Error
		if errors.As(err, &ae) {
			ae.Op = op
		}
		return access.Request{}, fail(span, err)
	}

	verdict, err := e.policy.Evaluate(ctx, policy.Input{
		AgentID:    in.AgentID,
		ResourceID: in.ResourceID,
		Intent:     in.Intent,
	})
	if err == nil && !verdict.Valid() {
		err = fmt.Errorf("policy returned invalid verdict %q", verdict.Status)
	}
	if err != nil {
		e.recorder.PolicyFailed()
		e.logger.Error("policy evaluation failed", "agent_id", in.AgentID, "resource_id", in.ResourceID, "error", err)
		return access.Request{}, fail(span, &access.Error{Kind: access.KindPolicyFailure, Op: op, Err: err})
	}

	now := e.clock()
	req := access.Request{
		ID:           e.newID(),
		AgentID:      in.AgentID,
		ResourceID:   in.ResourceID,
		Intent:       in.Intent,
		TTLRequested: in.TTLSeconds,
		Status:       verdict.Status,
		CreatedAt:    now,
	}
	span.SetAttributes(attribute.String("request.id", req.ID))
	if verdict.Status != access.StatusPending {
		req.Decision = &access.Decision{DecidedBy: access.DecidedByPolicy, DecidedAt: now, Reason: verdict.Reason}
	}

	entries := []audit.Entry{
		{
			RequestID: req.ID, At: now, Event: audit.EventCreated, Actor: in.AgentID,
			Detail: fmt.Sprintf("resource=%s ttl=%d task=%s", in.ResourceID, in.TTLSeconds, in.Intent.TaskID),
		},
		{
			RequestID: req.ID, At: now, Event: audit.EventPolicyDecision, Actor: access.DecidedByPolicy,
			Detail: decisionDetail(verdict.Status, verdict.Reason),
		},
	}

	if verdict.Status == access.StatusApproved {
		secret, err := e.issuer.Issue(ctx, in.ResourceID, issuer.Clamp(in.TTLSeconds, e.maxTTL))
		if err != nil {
			e.recorder.IssuanceFailed()
			e.logger.Error("secret issuance failed", "resource_id", in.ResourceID, "error", err)
			return access.Request{}, fail(span, &access.Error{Kind: access.KindIssuanceFailure, Op: op, Err: err})
		}
		req.Secret = &secret
		entries = append(entries, issuedEntry(req.ID, now, secret))
	}

	if err := e.store.Create(ctx, req, entries...); err != nil {
		return access.Request{}, fail(span, storeError(op, req.ID, err))
	}

	e.recorder.Submitted(req.Status)
	e.logger.Info("request submitted",
		"request_id", req.ID,
		"agent_id", req.AgentID,
		"resource_id", req.ResourceID,
		"status", req.Status,
	)
	span.SetAttributes(attribute.String("request.status", string(req.Status)))

	switch req.Status {
	case access.StatusApproved:
		e.notify(EventApproved, req, access.DecidedByPolicy, now)
	case access.StatusDenied:
		e.notify(EventDenied, req, access.DecidedByPolicy, now)
	case access.StatusPending:
		e.notify(EventPending, req, access.DecidedByPolicy, now)
	}
	return req, nil
}

func decisionDetail(status access.Status, reason string) string {
	if reason == "" {
		return string(status)
	}
	return string(status) + ": " + reason
}
