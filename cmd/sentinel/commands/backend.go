package commands

import (
	"context"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/sdk"
)

// adminBackend is what the admin commands need, served either by a local
// engine or by a running server.
type adminBackend interface {
	List(ctx context.Context, f lifecycle.Filter) ([]access.Request, error)
	Show(ctx context.Context, id string) (access.Request, error)
	Approve(ctx context.Context, id string) (access.Request, error)
	Deny(ctx context.Context, id, reason string) (access.Request, error)
	Revoke(ctx context.Context, id, reason string) (access.Request, error)
	History(ctx context.Context, id string) ([]audit.Entry, error)
}

type localBackend struct {
	eng   *lifecycle.Engine
	admin string
}

func (b localBackend) List(ctx context.Context, f lifecycle.Filter) ([]access.Request, error) {
	return b.eng.List(ctx, f)
}

func (b localBackend) Show(ctx context.Context, id string) (access.Request, error) {
	return b.eng.Poll(ctx, id)
}

func (b localBackend) Approve(ctx context.Context, id string) (access.Request, error) {
	return b.eng.Approve(ctx, id, b.admin)
}

func (b localBackend) Deny(ctx context.Context, id, reason string) (access.Request, error) {
	return b.eng.Deny(ctx, id, b.admin, reason)
}

func (b localBackend) Revoke(ctx context.Context, id, reason string) (access.Request, error) {
	return b.eng.Revoke(ctx, id, b.admin, reason)
}

func (b localBackend) History(ctx context.Context, id string) ([]audit.Entry, error) {
	return b.eng.History(ctx, id)
}

// remoteBackend acts as the admin its token belongs to.
type remoteBackend struct {
	c *sdk.Client
}

func (b remoteBackend) List(ctx context.Context, f lifecycle.Filter) ([]access.Request, error) {
	got, err := b.c.List(ctx, sdk.ListOptions{
		Status:  sdk.Status(f.Status),
		AgentID: f.AgentID,
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]access.Request, len(got))
	for i := range got {
		out[i] = fromSDK(&got[i])
	}
	return out, nil
}

func (b remoteBackend) Show(ctx context.Context, id string) (access.Request, error) {
	return b.one(b.c.Poll(ctx, id))
}

func (b remoteBackend) Approve(ctx context.Context, id string) (access.Request, error) {
	return b.one(b.c.Approve(ctx, id))
}

func (b remoteBackend) Deny(ctx context.Context, id, reason string) (access.Request, error) {
	return b.one(b.c.Deny(ctx, id, reason))
}

func (b remoteBackend) Revoke(ctx context.Context, id, reason string) (access.Request, error) {
	return b.one(b.c.Revoke(ctx, id, reason))
}

func (b remoteBackend) History(ctx context.Context, id string) ([]audit.Entry, error) {
	got, err := b.c.History(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Entry, len(got))
	for i, e := range got {
		out[i] = audit.Entry{
			Seq:       e.Seq,
			RequestID: e.RequestID,
			At:        e.At,
			Event:     audit.Event(e.Event),
			Actor:     e.Actor,
			Detail:    e.Detail,
		}
	}
	return out, nil
}

func (remoteBackend) one(r *sdk.Request, err error) (access.Request, error) {
	if err != nil {
		return access.Request{}, err
	}
	return fromSDK(r), nil
}

// withAdminBackend runs fn against the server when --server is set and
// against a local engine otherwise.
func withAdminBackend(ctx context.Context, rf *remoteFlags, admin string, fn func(adminBackend) error) error {
	if rf.remote() {
		return fn(remoteBackend{c: rf.client()})
	}
	return withLocalEngine(ctx, func(eng *lifecycle.Engine) error {
		return fn(localBackend{eng: eng, admin: admin})
	})
}
