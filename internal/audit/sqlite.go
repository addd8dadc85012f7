package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteSchema creates the audit table. The store applies it alongside its
// own schema so both live in one database file.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT    NOT NULL,
	at         INTEGER NOT NULL,
	event      TEXT    NOT NULL,
	actor      TEXT    NOT NULL,
	detail     TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
`

// sqlDB is satisfied by both *sql.DB and *sql.Tx.
type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLiteLedger reads and appends audit entries through a database/sql handle.
type SQLiteLedger struct {
	db sqlDB
}

// NewSQLiteLedger wraps db, which may be an open transaction.
func NewSQLiteLedger(db sqlDB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

// Append inserts e.
func (l *SQLiteLedger) Append(ctx context.Context, e Entry) error {
	if err := Validate(e); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (request_id, at, event, actor, detail) VALUES (?, ?, ?, ?, ?)`,
		e.RequestID, e.At.UTC().UnixNano(), string(e.Event), e.Actor, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// EntriesFor returns the complete history of requestID in append order.
func (l *SQLiteLedger) EntriesFor(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, request_id, at, event, actor, detail FROM audit_log WHERE request_id = ? ORDER BY seq ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return scanSQLiteEntries(rows)
}

// Query returns entries across all requests matching opts, newest first.
func (l *SQLiteLedger) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query := "SELECT seq, request_id, at, event, actor, detail FROM audit_log WHERE 1=1"
	var args []any

	if opts.Event != "" {
		query += " AND event = ?"
		args = append(args, string(opts.Event))
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if !opts.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, opts.Since.UTC().UnixNano())
	}

	query += " ORDER BY seq DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return scanSQLiteEntries(rows)
}

func scanSQLiteEntries(rows *sql.Rows) ([]Entry, error) {
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		var event string
		if err := rows.Scan(&e.Seq, &e.RequestID, &at, &event, &e.Actor, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		e.Event = Event(event)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
