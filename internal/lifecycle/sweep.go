package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/store"
)

// Sweep rewrites stored APPROVED rows whose secret has lapsed to EXPIRED and
// returns how many it rewrote. Readers already see those rows as EXPIRED, so
// sweeping changes storage only. Rows decided concurrently are skipped.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	ctx, span := e.start(ctx, "Sweep")
	defer span.End()

	now := e.clock()
	stale, err := e.store.List(ctx, store.Filter{
		Statuses:  []access.Status{access.StatusApproved},
		ExpiredBy: now,
	})
	if err != nil {
		return 0, fail(span, storeError("sweep", "", err))
	}

	n := 0
	for _, r := range stale {
		if !r.Stale(now) {
			continue
		}
		lapsed := now
		if r.Secret != nil {
			lapsed = r.Secret.ExpiresAt
		}
		updated, err := e.store.Transition(ctx, store.Transition{
			ID:   r.ID,
			From: access.StatusApproved,
			To:   access.StatusExpired,
			Entries: []audit.Entry{{
				RequestID: r.ID,
				At:        now,
				Event:     audit.EventExpired,
				Actor:     access.DecidedBySystem,
				Detail:    "secret lapsed at " + lapsed.Format(time.RFC3339),
			}},
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			e.recorder.Expired(n)
			return n, fail(span, storeError("sweep", r.ID, err))
		}
		n++
		e.notify(EventExpired, updated, access.DecidedBySystem, now)
	}

	e.recorder.Expired(n)
	if n > 0 {
		e.logger.Info("expired requests swept", "count", n)
	}
	return n, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}
