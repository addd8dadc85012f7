// Package auth validates bearer tokens against configured SHA-256 hashes.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sentinel-sh/sentinel/internal/config"
)

// Roles a token may carry.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// tokenPrefix marks sentinel bearer tokens so they are easy to spot in logs
// and secret scanners.
const tokenPrefix = "stk_"

// ErrUnauthorized is returned for a missing or unknown token.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    string
}

// IsAdmin reports whether p may decide requests.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type credential struct {
	hash      []byte
	principal Principal
}

// Validator checks presented tokens against the configured hashes.
type Validator struct {
	creds []credential
}

// NewValidator builds a validator from config tokens.
func NewValidator(tokens []config.Token) (*Validator, error) {
	v := &Validator{}
	for i, t := range tokens {
		h, err := hex.DecodeString(strings.TrimSpace(t.TokenSHA256))
		if err != nil || len(h) != sha256.Size {
			return nil, fmt.Errorf("auth.tokens[%d]: token_sha256 must be 64 hex characters", i)
		}
		if t.Role != RoleAgent && t.Role != RoleAdmin {
			return nil, fmt.Errorf("auth.tokens[%d]: unknown role %q", i, t.Role)
		}
		if strings.TrimSpace(t.Subject) == "" {
			return nil, fmt.Errorf("auth.tokens[%d]: subject is required", i)
		}
		v.creds = append(v.creds, credential{hash: h, principal: Principal{Subject: t.Subject, Role: t.Role}})
	}
	return v, nil
}

// Len returns the number of configured tokens.
func (v *Validator) Len() int { return len(v.creds) }

// Validate returns the principal for token. Every credential is compared so
// timing does not reveal which one matched.
func (v *Validator) Validate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	var (
		found Principal
		ok    bool
	)
	for _, c := range v.creds {
		if subtle.ConstantTimeCompare(sum[:], c.hash) == 1 {
			found, ok = c.principal, true
		}
	}
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	return found, nil
}

// Authenticate reads the Authorization header of r.
func (v *Validator) Authenticate(r *http.Request) (Principal, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	return v.Validate(strings.TrimSpace(token))
}

// GenerateToken returns a new random token and its hex SHA-256 hash for
// the config file.
func GenerateToken() (token, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	token = tokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	return token, HashToken(token), nil
}

// HashToken returns the hex SHA-256 of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
