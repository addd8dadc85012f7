package issuer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sh/sentinel/internal/config"
)

var fixedNow = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestClamp(t *testing.T) {
	assert.Equal(t, 600*time.Second, Clamp(600, 3600))
	assert.Equal(t, 3600*time.Second, Clamp(86400, 3600))
	assert.Equal(t, 86400*time.Second, Clamp(86400, 0))
	assert.Equal(t, time.Duration(0), Clamp(0, 3600))

	huge := Clamp(math.MaxInt64/10, math.MaxInt64/10)
	assert.Positive(t, huge, "an oversized ceiling must not overflow")
	assert.Equal(t, time.Duration(maxDurationSeconds)*time.Second, huge)
}

func TestGenerator_Issue(t *testing.T) {
	g := NewGenerator("token", map[string]Profile{
		"logs_readonly": {Type: "api_key", Prefix: "logs_"},
	}, WithClock(clock))

	s, err := g.Issue(context.Background(), "logs_readonly", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "api_key", s.Type)
	assert.True(t, strings.HasPrefix(s.Value, "logs_"))
	assert.Equal(t, fixedNow, s.IssuedAt)
	assert.Equal(t, fixedNow.Add(10*time.Minute), s.ExpiresAt)

	assert.True(t, IsLive(s, fixedNow.Add(10*time.Minute-time.Nanosecond)))
	assert.False(t, IsLive(s, fixedNow.Add(10*time.Minute)))
}

func TestGenerator_DefaultsAndUniqueness(t *testing.T) {
	g := NewGenerator("", nil, WithClock(clock))
	a, err := g.Issue(context.Background(), "prod_db", time.Minute)
	require.NoError(t, err)
	b, err := g.Issue(context.Background(), "prod_db", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "token", a.Type)
	assert.True(t, strings.HasPrefix(a.Value, defaultPrefix))
	assert.NotEqual(t, a.Value, b.Value)
}

func TestGenerator_InvalidTTL(t *testing.T) {
	_, err := NewGenerator("", nil).Issue(context.Background(), "r", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestGenerator_ValueEnv(t *testing.T) {
	env := map[string]string{"PROD_DB_PASSWORD": "hunter2"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	g := NewGenerator("token", map[string]Profile{
		"prod_db":    {Type: "db_password", ValueEnv: "PROD_DB_PASSWORD"},
		"staging_db": {ValueEnv: "STAGING_DB_PASSWORD"},
	}, WithLookupEnv(lookup), WithClock(clock))

	s, err := g.Issue(context.Background(), "prod_db", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", s.Value)
	assert.Equal(t, "db_password", s.Type)

	_, err = g.Issue(context.Background(), "staging_db", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerator_RandomFailure(t *testing.T) {
	g := NewGenerator("", nil, WithRandom(failingReader{}))
	_, err := g.Issue(context.Background(), "r", time.Minute)
	assert.Error(t, err)
}

func TestGenerator_DeterministicWithFixedRandom(t *testing.T) {
	g := NewGenerator("", nil, WithRandom(bytes.NewReader(make([]byte, 64))), WithClock(clock))
	s, err := g.Issue(context.Background(), "r", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, defaultPrefix+strings.Repeat("A", 43), s.Value)
}

func TestGenerator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGenerator("", nil).Issue(ctx, "r", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Issuer.DefaultSecretType = "bearer"
	cfg.Resources["logs_readonly"] = config.Resource{SecretType: "api_key", Prefix: "lg_"}

	g := FromConfig(cfg, WithClock(clock))
	s, err := g.Issue(context.Background(), "logs_readonly", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "api_key", s.Type)
	assert.True(t, strings.HasPrefix(s.Value, "lg_"))

	s, err = g.Issue(context.Background(), "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "bearer", s.Type)
}
