package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/safefile"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS access_requests (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	intent        TEXT    NOT NULL,
	ttl_requested INTEGER NOT NULL,
	status        TEXT    NOT NULL,
	decision      TEXT,
	secret        TEXT,
	expires_at    INTEGER,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_created ON access_requests(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_status ON access_requests(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_requests_agent ON access_requests(agent_id, created_at);
`

const requestColumns = "id, agent_id, resource_id, intent, ttl_requested, status, decision, secret, created_at"

// SQLite is the default Store, a single WAL-mode database file holding
// both requests and the audit log.
type SQLite struct {
	db    *sql.DB
	codec codec
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" only in single-connection tests.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	if path != ":memory:" {
		if err := safefile.RejectSymlink(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(sqliteSchema + audit.SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, codec: codec{sealer: buildOptions(opts).sealer}}, nil
}

// DB exposes the handle for health checks.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, req access.Request, entries ...audit.Entry) error {
	if err := checkRecord(req); err != nil {
		return err
	}
	if err := checkEntries(req.ID, entries); err != nil {
		return err
	}
	intent, err := s.codec.encodeIntent(req.Intent)
	if err != nil {
		return err
	}
	decision, err := s.codec.encodeDecision(req.Decision)
	if err != nil {
		return err
	}
	secret, err := s.codec.encodeSecret(req.ID, req.Secret)
	if err != nil {
		return err
	}

	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		_, err = tx.ExecContext(ctx, `
			INSERT INTO access_requests (`+requestColumns+`, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.AgentID, req.ResourceID, intent, req.TTLRequested, string(req.Status),
			decision, secret, req.CreatedAt.UTC().UnixNano(), expiresAt(req.Secret),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
			}
			return fmt.Errorf("inserting request: %w", err)
		}
		if err := appendEntries(ctx, audit.NewSQLiteLedger(tx), entries); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLite) Get(ctx context.Context, id string) (access.Request, error) {
	return s.get(ctx, s.db, id)
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) get(ctx context.Context, q rowQuerier, id string) (access.Request, error) {
	var r row
	var createdAt int64
	err := q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM access_requests WHERE id = ?`, id,
	).Scan(&r.ID, &r.AgentID, &r.ResourceID, &r.Intent, &r.TTLRequested, &r.Status, &r.Decision, &r.Secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Request{}, ErrNotFound
	}
	if err != nil {
		return access.Request{}, fmt.Errorf("querying request %s: %w", id, err)
	}
	req, err := s.codec.decode(r)
	if err != nil {
		return access.Request{}, err
	}
	req.CreatedAt = time.Unix(0, createdAt).UTC()
	return req, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]access.Request, error) {
	query := "SELECT " + requestColumns + " FROM access_requests WHERE 1=1"
	var args []any

	if len(f.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(f.Statuses)-1) + ")"
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, f.Until.UTC().UnixNano())
	}
	if !f.ExpiredBy.IsZero() {
		query += " AND expires_at IS NOT NULL AND expires_at <= ?"
		args = append(args, f.ExpiredBy.UTC().UnixNano())
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []access.Request
	for rows.Next() {
		var r row
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.ResourceID, &r.Intent, &r.TTLRequested, &r.Status, &r.Decision, &r.Secret, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		req, err := s.codec.decode(r)
		if err != nil {
			return nil, err
		}
		req.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLite) Transition(ctx context.Context, t Transition) (access.Request, error) {
	if err := checkTransition(t); err != nil {
		return access.Request{}, err
	}
	decision, err := s.codec.encodeDecision(t.Decision)
	if err != nil {
		return access.Request{}, err
	}
	secret, err := s.codec.encodeSecret(t.ID, t.Secret)
	if err != nil {
		return access.Request{}, err
	}

	var out access.Request
	err = retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx, `
			UPDATE access_requests
			SET status = ?, decision = COALESCE(?, decision), secret = ?, expires_at = ?
			WHERE id = ? AND status = ?`,
			string(t.To), decision, secret, expiresAt(t.Secret), t.ID, string(t.From),
		)
		if err != nil {
			return fmt.Errorf("updating request %s: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var actual string
			err := tx.QueryRowContext(ctx, `SELECT status FROM access_requests WHERE id = ?`, t.ID).Scan(&actual)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("querying request %s: %w", t.ID, err)
			}
			return &ConflictError{ID: t.ID, Expected: t.From, Actual: access.Status(actual)}
		}

		if err := appendEntries(ctx, audit.NewSQLiteLedger(tx), t.Entries); err != nil {
			return err
		}
		out, err = s.get(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return access.Request{}, err
	}
	return out, nil
}

func (s *SQLite) EntriesFor(ctx context.Context, requestID string) ([]audit.Entry, error) {
	return audit.NewSQLiteLedger(s.db).EntriesFor(ctx, requestID)
}

func (s *SQLite) SearchAudit(ctx context.Context, opts audit.QueryOpts) ([]audit.Entry, error) {
	return audit.NewSQLiteLedger(s.db).Query(ctx, opts)
}

func appendEntries(ctx context.Context, l audit.Ledger, entries []audit.Entry) error {
	for _, e := range entries {
		if err := l.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func expiresAt(s *access.Secret) sql.NullInt64 {
	if s == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.ExpiresAt.UTC().UnixNano(), Valid: true}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "(1555)")
}
