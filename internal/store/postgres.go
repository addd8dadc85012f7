package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS access_requests (
	seq           BIGSERIAL UNIQUE,
	id            TEXT PRIMARY KEY,
	agent_id      TEXT        NOT NULL,
	resource_id   TEXT        NOT NULL,
	intent        TEXT        NOT NULL,
	ttl_requested BIGINT      NOT NULL,
	status        TEXT        NOT NULL,
	decision      TEXT,
	secret        TEXT,
	expires_at    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_created ON access_requests(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_status ON access_requests(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_requests_agent ON access_requests(agent_id, created_at);
`

var (
	postgresConnectRetries = 10
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
)

// Postgres is a Store over a pgx connection pool.
type Postgres struct {
	pool  *pgxpool.Pool
	codec codec
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn, retrying while the server comes up, and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, lastErr = pgxpool.NewWithConfig(ctx, cfg)
		if lastErr == nil {
			pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
			lastErr = pool.Ping(pingCtx)
			cancel()
			if lastErr == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(postgresRetryDelay):
		}
	}
	if pool == nil {
		return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
	}

	if _, err := pool.Exec(ctx, postgresSchema+audit.PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{pool: pool, codec: codec{sealer: buildOptions(opts).sealer}}, nil
}

// Pool exposes the pool for health checks.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Create(ctx context.Context, req access.Request, entries ...audit.Entry) error {
	if err := checkRecord(req); err != nil {
		return err
	}
	if err := checkEntries(req.ID, entries); err != nil {
		return err
	}
	intent, err := p.codec.encodeIntent(req.Intent)
	if err != nil {
		return err
	}
	decision, err := p.codec.encodeDecision(req.Decision)
	if err != nil {
		return err
	}
	secret, err := p.codec.encodeSecret(req.ID, req.Secret)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO access_requests (`+requestColumns+`, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.AgentID, req.ResourceID, intent, req.TTLRequested, string(req.Status),
		decision, secret, req.CreatedAt.UTC(), expiresAtTime(req.Secret),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
		}
		return fmt.Errorf("inserting request: %w", err)
	}
	if err := appendEntries(ctx, audit.NewPostgresLedger(tx), entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Get(ctx context.Context, id string) (access.Request, error) {
	return p.get(ctx, p.pool, id)
}

// pgRowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgRowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) get(ctx context.Context, q pgRowQuerier, id string) (access.Request, error) {
	req, err := p.scan(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Request{}, ErrNotFound
	}
	if err != nil {
		return access.Request{}, fmt.Errorf("querying request %s: %w", id, err)
	}
	return req, nil
}

func (p *Postgres) scan(s pgx.Row) (access.Request, error) {
	var r row
	var createdAt time.Time
	if err := s.Scan(&r.ID, &r.AgentID, &r.ResourceID, &r.Intent, &r.TTLRequested, &r.Status, &r.Decision, &r.Secret, &createdAt); err != nil {
		return access.Request{}, err
	}
	req, err := p.codec.decode(r)
	if err != nil {
		return access.Request{}, err
	}
	req.CreatedAt = createdAt.UTC()
	return req, nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]access.Request, error) {
	query := "SELECT " + requestColumns + " FROM access_requests WHERE true"
	var args []any

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until.UTC())
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if !f.ExpiredBy.IsZero() {
		args = append(args, f.ExpiredBy.UTC())
		query += fmt.Sprintf(" AND expires_at IS NOT NULL AND expires_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []access.Request
	for rows.Next() {
		req, err := p.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) Transition(ctx context.Context, t Transition) (access.Request, error) {
	if err := checkTransition(t); err != nil {
		return access.Request{}, err
	}
	decision, err := p.codec.encodeDecision(t.Decision)
	if err != nil {
		return access.Request{}, err
	}
	secret, err := p.codec.encodeSecret(t.ID, t.Secret)
	if err != nil {
		return access.Request{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return access.Request{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cmd, err := tx.Exec(ctx, `
		UPDATE access_requests
		SET status = $1, decision = COALESCE($2, decision), secret = $3, expires_at = $4
		WHERE id = $5 AND status = $6`,
		string(t.To), decision, secret, expiresAtTime(t.Secret), t.ID, string(t.From),
	)
	if err != nil {
		return access.Request{}, fmt.Errorf("updating request %s: %w", t.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		var actual string
		err := tx.QueryRow(ctx, `SELECT status FROM access_requests WHERE id = $1`, t.ID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return access.Request{}, ErrNotFound
		}
		if err != nil {
			return access.Request{}, fmt.Errorf("querying request %s: %w", t.ID, err)
		}
		return access.Request{}, &ConflictError{ID: t.ID, Expected: t.From, Actual: access.Status(actual)}
	}

	if err := appendEntries(ctx, audit.NewPostgresLedger(tx), t.Entries); err != nil {
		return access.Request{}, err
	}
	out, err := p.get(ctx, tx, t.ID)
	if err != nil {
		return access.Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return access.Request{}, err
	}
	return out, nil
}

func (p *Postgres) EntriesFor(ctx context.Context, requestID string) ([]audit.Entry, error) {
	return audit.NewPostgresLedger(p.pool).EntriesFor(ctx, requestID)
}

func (p *Postgres) SearchAudit(ctx context.Context, opts audit.QueryOpts) ([]audit.Entry, error) {
	return audit.NewPostgresLedger(p.pool).Query(ctx, opts)
}

func expiresAtTime(s *access.Secret) sql.NullTime {
	if s == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: s.ExpiresAt.UTC(), Valid: true}
}
