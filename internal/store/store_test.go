package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/sealer"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	bs := []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "sentinel.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"sqlite-sealed", func(t *testing.T) Store {
			sl, err := sealer.New([]byte(strings.Repeat("s", 32)))
			require.NoError(t, err)
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "sentinel.db"), WithSealer(sl))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
	if dsn := os.Getenv("SENTINEL_TEST_POSTGRES_URL"); dsn != "" {
		bs = append(bs, backend{"postgres", func(t *testing.T) Store {
			s, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.Pool().Exec(context.Background(), "TRUNCATE access_requests, audit_log")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}})
	}
	return bs
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) { fn(t, b.open(t)) })
	}
}

func pending(id string, created time.Time) access.Request {
	return access.Request{
		ID:           id,
		AgentID:      "agent-a",
		ResourceID:   "prod_db",
		Intent:       access.Intent{TaskID: "t-1", Summary: "rotate replica", Description: "weekly"},
		TTLRequested: 600,
		Status:       access.StatusPending,
		Decision:     &access.Decision{DecidedBy: access.DecidedByPolicy, DecidedAt: created},
		CreatedAt:    created,
	}
}

func createdEntries(id string, at time.Time) []audit.Entry {
	return []audit.Entry{
		{RequestID: id, At: at, Event: audit.EventCreated, Actor: "agent-a"},
		{RequestID: id, At: at, Event: audit.EventPolicyDecision, Actor: access.DecidedByPolicy, Detail: string(access.StatusPending)},
	}
}

func approval(id string, at time.Time) Transition {
	return Transition{
		ID:       id,
		From:     access.StatusPending,
		To:       access.StatusApproved,
		Decision: &access.Decision{DecidedBy: access.AdminActor("ops"), DecidedAt: at},
		Secret:   &access.Secret{Type: "token", Value: "stl_abcdef123456", IssuedAt: at, ExpiresAt: at.Add(10 * time.Minute)},
		Entries: []audit.Entry{
			{RequestID: id, At: at, Event: audit.EventAdminApprove, Actor: access.AdminActor("ops")},
			{RequestID: id, At: at, Event: audit.EventIssued, Actor: access.DecidedBySystem},
		},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		req := pending("r1", base)
		require.NoError(t, s.Create(ctx, req, createdEntries("r1", base)...))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, req.AgentID, got.AgentID)
		assert.Equal(t, req.ResourceID, got.ResourceID)
		assert.Equal(t, req.Intent, got.Intent)
		assert.Equal(t, req.TTLRequested, got.TTLRequested)
		assert.Equal(t, access.StatusPending, got.Status)
		assert.Nil(t, got.Secret)
		assert.True(t, got.CreatedAt.Equal(base))
		require.NotNil(t, got.Decision)
		assert.Equal(t, access.DecidedByPolicy, got.Decision.DecidedBy)

		entries, err := s.EntriesFor(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestCreate_Rejects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pending("dup", base)))
		err := s.Create(ctx, pending("dup", base))
		assert.ErrorIs(t, err, ErrDuplicateID)

		bad := pending("no-secret", base)
		bad.Status = access.StatusApproved
		assert.ErrorIs(t, s.Create(ctx, bad), ErrInvalidRecord)

		denied := pending("denied-with-secret", base)
		denied.Status = access.StatusDenied
		denied.Secret = &access.Secret{Value: "x", ExpiresAt: base.Add(time.Hour)}
		assert.ErrorIs(t, s.Create(ctx, denied), ErrInvalidRecord)

		// A bad audit entry must leave no request row behind.
		err = s.Create(ctx, pending("bad-entry", base), audit.Entry{RequestID: "bad-entry", At: base, Event: "bogus", Actor: "a"})
		assert.ErrorIs(t, err, audit.ErrInvalidEntry)
		_, err = s.Get(ctx, "bad-entry")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransition_ApproveWritesSecretAndAudit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pending("r1", base), createdEntries("r1", base)...))

		at := base.Add(time.Minute)
		got, err := s.Transition(ctx, approval("r1", at))
		require.NoError(t, err)
		assert.Equal(t, access.StatusApproved, got.Status)
		require.NotNil(t, got.Secret)
		assert.Equal(t, "stl_abcdef123456", got.Secret.Value)
		assert.Equal(t, access.AdminActor("ops"), got.Decision.DecidedBy)

		reread, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, reread.Secret)
		assert.Equal(t, "stl_abcdef123456", reread.Secret.Value)
		assert.True(t, reread.Secret.ExpiresAt.Equal(at.Add(10*time.Minute)))

		entries, err := s.EntriesFor(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, audit.EventAdminApprove, entries[2].Event)
		assert.Equal(t, audit.EventIssued, entries[3].Event)
	})
}

func TestTransition_ConflictWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pending("r1", base), createdEntries("r1", base)...))
		_, err := s.Transition(ctx, Transition{
			ID: "r1", From: access.StatusPending, To: access.StatusDenied,
			Decision: &access.Decision{DecidedBy: access.AdminActor("a2"), DecidedAt: base, Reason: "no"},
			Entries:  []audit.Entry{{RequestID: "r1", At: base, Event: audit.EventAdminDeny, Actor: access.AdminActor("a2")}},
		})
		require.NoError(t, err)

		_, err = s.Transition(ctx, approval("r1", base.Add(time.Minute)))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConflict)
		var ce *ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, access.StatusDenied, ce.Actual)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, access.StatusDenied, got.Status)
		assert.Nil(t, got.Secret)
		assert.Equal(t, "no", got.Decision.Reason)

		entries, err := s.EntriesFor(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})
}

func TestTransition_Invalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Transition(ctx, approval("missing", base))
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Transition(ctx, Transition{ID: "x", From: access.StatusDenied, To: access.StatusApproved})
		assert.ErrorIs(t, err, access.ErrInvalidTransition)

		tr := approval("x", base)
		tr.Secret = nil
		_, err = s.Transition(ctx, tr)
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})
}

func TestTransition_ExpireKeepsDecision(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pending("r1", base)))
		_, err := s.Transition(ctx, approval("r1", base))
		require.NoError(t, err)

		got, err := s.Transition(ctx, Transition{
			ID: "r1", From: access.StatusApproved, To: access.StatusExpired,
			Entries: []audit.Entry{{RequestID: "r1", At: base.Add(time.Hour), Event: audit.EventExpired, Actor: access.DecidedBySystem}},
		})
		require.NoError(t, err)
		assert.Equal(t, access.StatusExpired, got.Status)
		assert.Nil(t, got.Secret)
		require.NotNil(t, got.Decision)
		assert.Equal(t, access.AdminActor("ops"), got.Decision.DecidedBy)
	})
}

func TestTransition_ConcurrentExactlyOneWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pending("race", base)))

		const workers = 8
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = s.Transition(ctx, approval("race", base))
				} else {
					_, err = s.Transition(ctx, Transition{
						ID: "race", From: access.StatusPending, To: access.StatusDenied,
						Entries: []audit.Entry{{RequestID: "race", At: base, Event: audit.EventAdminDeny, Actor: "admin:x"}},
					})
				}
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), conflicts.Load())

		entries, err := s.EntriesFor(ctx, "race")
		require.NoError(t, err)
		got, err := s.Get(ctx, "race")
		require.NoError(t, err)
		switch got.Status {
		case access.StatusApproved:
			assert.Len(t, entries, 2)
			assert.Equal(t, audit.EventIssued, entries[len(entries)-1].Event)
		case access.StatusDenied:
			assert.Len(t, entries, 1)
			assert.Equal(t, audit.EventAdminDeny, entries[0].Event)
		default:
			t.Fatalf("unexpected final status %s", got.Status)
		}
	})
}

func TestList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, id := range []string{"r1", "r2", "r3", "r4"} {
			req := pending(id, base.Add(time.Duration(i)*time.Minute))
			if id == "r4" {
				req.AgentID = "agent-b"
			}
			require.NoError(t, s.Create(ctx, req))
		}
		_, err := s.Transition(ctx, approval("r2", base))
		require.NoError(t, err)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []string{"r4", "r3", "r2", "r1"}, ids(all), "newest first")

		byAgent, err := s.List(ctx, Filter{AgentID: "agent-b"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r4"}, ids(byAgent))

		approved, err := s.List(ctx, Filter{Statuses: []access.Status{access.StatusApproved}})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2"}, ids(approved))

		window, err := s.List(ctx, Filter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3", "r2"}, ids(window))

		limited, err := s.List(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"r4", "r3"}, ids(limited))

		stale, err := s.List(ctx, Filter{Statuses: []access.Status{access.StatusApproved}, ExpiredBy: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2"}, ids(stale))

		notYet, err := s.List(ctx, Filter{ExpiredBy: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Empty(t, notYet)
	})
}

func TestSearchAudit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pending("r1", base), createdEntries("r1", base)...))
		require.NoError(t, s.Create(ctx, pending("r2", base), createdEntries("r2", base)...))

		got, err := s.SearchAudit(ctx, audit.QueryOpts{Event: audit.EventCreated})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "r2", got[0].RequestID)
	})
}

func TestSQLite_SealsSecretAtRest(t *testing.T) {
	ctx := context.Background()
	sl, err := sealer.New([]byte(strings.Repeat("s", 32)))
	require.NoError(t, err)
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sentinel.db"), WithSealer(sl))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Create(ctx, pending("r1", base)))
	_, err = s.Transition(ctx, approval("r1", base))
	require.NoError(t, err)

	var raw string
	require.NoError(t, s.DB().QueryRow(`SELECT secret FROM access_requests WHERE id = ?`, "r1").Scan(&raw))
	assert.NotContains(t, raw, "stl_abcdef123456")
	assert.Contains(t, raw, "sealed:v1:")
}

// failLedger makes every audit append inside s abort.
func failLedger(t *testing.T, s *SQLite) {
	t.Helper()
	_, err := s.DB().Exec(`CREATE TRIGGER ledger_down BEFORE INSERT ON audit_log
		BEGIN SELECT RAISE(ABORT, 'ledger down'); END`)
	require.NoError(t, err)
}

func TestSQLite_LedgerFailureRollsBackTransition(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Create(ctx, pending("r1", base), createdEntries("r1", base)...))
	failLedger(t, s)

	_, err = s.Transition(ctx, approval("r1", base.Add(time.Minute)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger down")
	var ce *ConflictError
	assert.False(t, errors.As(err, &ce), "a ledger failure is not a conflict")

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, access.StatusPending, got.Status)
	assert.Nil(t, got.Secret)
	assert.Equal(t, access.DecidedByPolicy, got.Decision.DecidedBy)

	entries, err := s.EntriesFor(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLite_LedgerFailureRollsBackCreate(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer s.Close()
	failLedger(t, s)

	require.Error(t, s.Create(ctx, pending("r1", base), createdEntries("r1", base)...))
	_, err = s.Get(ctx, "r1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "", "")
	assert.Error(t, err)

	s, err := Open(context.Background(), DriverMemory, "", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}

func ids(reqs []access.Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
