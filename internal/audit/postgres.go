package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the audit table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq        BIGSERIAL PRIMARY KEY,
	request_id TEXT        NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	event      TEXT        NOT NULL,
	actor      TEXT        NOT NULL,
	detail     TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event);
`

// pgDB is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLedger reads and appends audit entries through a pgx handle.
type PostgresLedger struct {
	db pgDB
}

// NewPostgresLedger wraps db, which may be an open transaction.
func NewPostgresLedger(db pgDB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Append inserts e.
func (l *PostgresLedger) Append(ctx context.Context, e Entry) error {
	if err := Validate(e); err != nil {
		return err
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO audit_log (request_id, at, event, actor, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, e.RequestID, e.At.UTC(), string(e.Event), e.Actor, e.Detail)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// EntriesFor returns the complete history of requestID in append order.
func (l *PostgresLedger) EntriesFor(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := l.db.Query(ctx, `
		SELECT seq, request_id, at, event, actor, detail
		FROM audit_log WHERE request_id = $1 ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return scanPostgresEntries(rows)
}

// Query returns entries across all requests matching opts, newest first.
func (l *PostgresLedger) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query := "SELECT seq, request_id, at, event, actor, detail FROM audit_log WHERE true"
	var args []any

	if opts.Event != "" {
		args = append(args, string(opts.Event))
		query += fmt.Sprintf(" AND event = $%d", len(args))
	}
	if opts.Actor != "" {
		args = append(args, opts.Actor)
		query += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since.UTC())
		query += fmt.Sprintf(" AND at >= $%d", len(args))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d", limit)

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return scanPostgresEntries(rows)
}

func scanPostgresEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var event string
		if err := rows.Scan(&e.Seq, &e.RequestID, &e.At, &event, &e.Actor, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.At = e.At.UTC()
		e.Event = Event(event)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
