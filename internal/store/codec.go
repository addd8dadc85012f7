package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sentinel-sh/sentinel/internal/access"
)

// row is the relational shape of a request: scalar columns plus JSON blobs
// for intent, decision and secret.
type row struct {
	ID           string
	AgentID      string
	ResourceID   string
	Intent       string
	TTLRequested int64
	Status       string
	Decision     sql.NullString
	Secret       sql.NullString
}

type codec struct {
	sealer Sealer
}

func (c codec) encodeIntent(i access.Intent) (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("encoding intent: %w", err)
	}
	return string(b), nil
}

func (c codec) encodeDecision(d *access.Decision) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding decision: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// encodeSecret seals the value when a sealer is configured.
func (c codec) encodeSecret(id string, s *access.Secret) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	stored := *s
	if c.sealer != nil {
		sealed, err := c.sealer.Seal(s.Value, id)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("sealing secret: %w", err)
		}
		stored.Value = sealed
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding secret: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (c codec) decode(r row) (access.Request, error) {
	req := access.Request{
		ID:           r.ID,
		AgentID:      r.AgentID,
		ResourceID:   r.ResourceID,
		TTLRequested: r.TTLRequested,
		Status:       access.Status(r.Status),
	}
	if err := json.Unmarshal([]byte(r.Intent), &req.Intent); err != nil {
		return access.Request{}, fmt.Errorf("decoding intent of %s: %w", r.ID, err)
	}
	if r.Decision.Valid {
		var d access.Decision
		if err := json.Unmarshal([]byte(r.Decision.String), &d); err != nil {
			return access.Request{}, fmt.Errorf("decoding decision of %s: %w", r.ID, err)
		}
		d.DecidedAt = d.DecidedAt.UTC()
		req.Decision = &d
	}
	if r.Secret.Valid {
		var s access.Secret
		if err := json.Unmarshal([]byte(r.Secret.String), &s); err != nil {
			return access.Request{}, fmt.Errorf("decoding secret of %s: %w", r.ID, err)
		}
		if c.sealer != nil {
			plain, err := c.sealer.Open(s.Value, r.ID)
			if err != nil {
				return access.Request{}, fmt.Errorf("opening secret of %s: %w", r.ID, err)
			}
			s.Value = plain
		}
		s.IssuedAt = s.IssuedAt.UTC()
		s.ExpiresAt = s.ExpiresAt.UTC()
		req.Secret = &s
	}
	return req, nil
}
