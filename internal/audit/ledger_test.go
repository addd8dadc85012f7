package audit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(SQLiteSchema)
	require.NoError(t, err)
	return db
}

func sampleEntries(base time.Time) []Entry {
	return []Entry{
		{RequestID: "r1", At: base, Event: EventCreated, Actor: "agent-a"},
		{RequestID: "r1", At: base, Event: EventPolicyDecision, Actor: "policy", Detail: "PENDING_APPROVAL"},
		{RequestID: "r2", At: base.Add(time.Second), Event: EventCreated, Actor: "agent-b"},
		{RequestID: "r1", At: base.Add(2 * time.Second), Event: EventAdminApprove, Actor: "admin:ops"},
		{RequestID: "r1", At: base.Add(2 * time.Second), Event: EventIssued, Actor: "system", Detail: "expires_at=..."},
	}
}

func TestSQLiteLedger_EntriesForIsCompleteAndOrdered(t *testing.T) {
	ctx := context.Background()
	l := NewSQLiteLedger(newTestDB(t))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, e := range sampleEntries(base) {
		require.NoError(t, l.Append(ctx, e))
	}

	got, err := l.EntriesFor(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 4)

	events := make([]Event, len(got))
	for i, e := range got {
		events[i] = e.Event
		assert.Equal(t, "r1", e.RequestID)
	}
	assert.Equal(t, []Event{EventCreated, EventPolicyDecision, EventAdminApprove, EventIssued}, events)
	assert.True(t, got[0].At.Equal(base))
	assert.Equal(t, "PENDING_APPROVAL", got[1].Detail)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestSQLiteLedger_Query(t *testing.T) {
	ctx := context.Background()
	l := NewSQLiteLedger(newTestDB(t))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, e := range sampleEntries(base) {
		require.NoError(t, l.Append(ctx, e))
	}

	created, err := l.Query(ctx, QueryOpts{Event: EventCreated})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "r2", created[0].RequestID, "newest first")

	recent, err := l.Query(ctx, QueryOpts{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	limited, err := l.Query(ctx, QueryOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteLedger_AppendInsideRolledBackTx(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, NewSQLiteLedger(tx).Append(ctx, Entry{
		RequestID: "r1", At: time.Now(), Event: EventCreated, Actor: "a",
	}))
	require.NoError(t, tx.Rollback())

	got, err := NewSQLiteLedger(db).EntriesFor(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidate(t *testing.T) {
	now := time.Now()
	cases := map[string]Entry{
		"missing request": {At: now, Event: EventCreated, Actor: "a"},
		"zero time":       {RequestID: "r", Event: EventCreated, Actor: "a"},
		"unknown event":   {RequestID: "r", At: now, Event: "updated", Actor: "a"},
		"missing actor":   {RequestID: "r", At: now, Event: EventCreated},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(Validate(e), ErrInvalidEntry))
		})
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, e := range sampleEntries(base) {
		require.NoError(t, m.Append(ctx, e))
	}
	assert.Equal(t, 5, m.Len())

	got, err := m.EntriesFor(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Seq)

	issued, err := m.Query(ctx, QueryOpts{Event: EventIssued})
	require.NoError(t, err)
	require.Len(t, issued, 1)

	require.Error(t, m.Append(ctx, Entry{}))
	assert.Equal(t, 5, m.Len())
}
