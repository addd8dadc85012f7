// Package issuer produces time-boxed secret material for approved requests.
//
// Issuers keep no memory of what they issued. Exactly-once issuance per
// approval is the lifecycle engine's job, enforced by the store's
// conditional transition.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/config"
)

var (
	// ErrInvalidTTL is returned for a non-positive ttl.
	ErrInvalidTTL = errors.New("ttl must be positive")
	// ErrUnavailable is returned when configured secret material is missing.
	ErrUnavailable = errors.New("secret material unavailable")
)

// Issuer produces secrets.
type Issuer interface {
	Issue(ctx context.Context, resourceID string, ttl time.Duration) (access.Secret, error)
}

// maxDurationSeconds is the longest ttl a time.Duration can hold.
const maxDurationSeconds = int64(math.MaxInt64 / int64(time.Second))

// Clamp converts a requested ttl in seconds to a duration no longer than
// maxSeconds. Non-positive requests are returned as is for Issue to reject.
func Clamp(requestedSeconds, maxSeconds int64) time.Duration {
	if maxSeconds > 0 && requestedSeconds > maxSeconds {
		requestedSeconds = maxSeconds
	}
	if requestedSeconds > maxDurationSeconds {
		requestedSeconds = maxDurationSeconds
	}
	return time.Duration(requestedSeconds) * time.Second
}

// IsLive reports whether s is valid at now.
func IsLive(s access.Secret, now time.Time) bool {
	return s.IsLive(now)
}

// Profile describes how secrets for one resource are produced.
type Profile struct {
	Type   string
	Prefix string
	// ValueEnv names an environment variable holding a static value to hand
	// out instead of a generated token.
	ValueEnv string
}

const defaultPrefix = "stl_"

// tokenBytes is the entropy of generated tokens.
const tokenBytes = 32

// Generator issues random opaque tokens, or static values from the
// environment for resources configured with value_env.
type Generator struct {
	defaultType string
	profiles    map[string]Profile
	now         func() time.Time
	random      io.Reader
	lookupEnv   func(string) (string, bool)
}

var _ Issuer = (*Generator)(nil)

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the issuance clock.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom sets the entropy source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(g *Generator) { g.lookupEnv = fn }
}

// NewGenerator returns a generator using defaultType for resources without
// a profile.
func NewGenerator(defaultType string, profiles map[string]Profile, opts ...Option) *Generator {
	if defaultType == "" {
		defaultType = "token"
	}
	if profiles == nil {
		profiles = make(map[string]Profile)
	}
	g := &Generator{
		defaultType: defaultType,
		profiles:    profiles,
		now:         time.Now,
		random:      rand.Reader,
		lookupEnv:   os.LookupEnv,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// FromConfig builds a generator from the issuer and resources sections.
func FromConfig(cfg *config.Config, opts ...Option) *Generator {
	profiles := make(map[string]Profile, len(cfg.Resources))
	for id, r := range cfg.Resources {
		profiles[id] = Profile{Type: r.SecretType, Prefix: r.Prefix, ValueEnv: r.ValueEnv}
	}
	return NewGenerator(cfg.Issuer.DefaultSecretType, profiles, opts...)
}

// Issue returns a secret valid for ttl from now.
func (g *Generator) Issue(ctx context.Context, resourceID string, ttl time.Duration) (access.Secret, error) {
	if ttl <= 0 {
		return access.Secret{}, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	if err := ctx.Err(); err != nil {
		return access.Secret{}, err
	}
	p := g.profiles[resourceID]
	typ := p.Type
	if typ == "" {
		typ = g.defaultType
	}

	var value string
	if p.ValueEnv != "" {
		v, ok := g.lookupEnv(p.ValueEnv)
		if !ok || v == "" {
			return access.Secret{}, fmt.Errorf("%w: %s is not set for %s", ErrUnavailable, p.ValueEnv, resourceID)
		}
		value = v
	} else {
		buf := make([]byte, tokenBytes)
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return access.Secret{}, fmt.Errorf("generating token: %w", err)
		}
		prefix := p.Prefix
		if prefix == "" {
			prefix = defaultPrefix
		}
		value = prefix + base64.RawURLEncoding.EncodeToString(buf)
	}

	issued := g.now().UTC()
	return access.Secret{
		Type:      typ,
		Value:     value,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
	}, nil
}
