package sdk_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sh/sentinel/internal/auth"
	"github.com/sentinel-sh/sentinel/internal/config"
	"github.com/sentinel-sh/sentinel/internal/issuer"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/internal/policy"
	"github.com/sentinel-sh/sentinel/internal/server"
	"github.com/sentinel-sh/sentinel/internal/store"
	"github.com/sentinel-sh/sentinel/sdk"
)

func TestEndToEnd(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pol, err := policy.NewEvaluator(policy.Rules{Restricted: []string{"prod_*"}})
	require.NoError(t, err)
	eng := lifecycle.New(store.NewMemory(), pol, issuer.NewGenerator("token", nil), 3600, lifecycle.WithLogger(logger))
	v, err := auth.NewValidator([]config.Token{
		{Subject: "deploy-bot", Role: auth.RoleAgent, TokenSHA256: auth.HashToken("agent")},
		{Subject: "alice", Role: auth.RoleAdmin, TokenSHA256: auth.HashToken("admin")},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(config.Defaults(), server.Deps{Engine: eng, Validator: v}, logger).Handler())
	defer ts.Close()

	ctx := context.Background()
	agent := sdk.NewClient(ts.URL, "agent")
	admin := sdk.NewClient(ts.URL, "admin")

	req, err := agent.RequestSecret(ctx, sdk.SubmitRequest{
		ResourceID: "prod_db",
		Intent:     sdk.Intent{TaskID: "INC-1", Summary: "check replica"},
		TTLSeconds: 7200,
	})
	require.NoError(t, err)
	require.Equal(t, sdk.StatusPending, req.Status)
	assert.Equal(t, int64(7200), req.TTLRequested)

	pending, err := admin.List(ctx, sdk.ListOptions{Status: sdk.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := admin.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin:alice", approved.Decision.DecidedBy)

	_, err = admin.Deny(ctx, req.ID, "too late")
	assert.True(t, sdk.IsConflict(err))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := agent.WaitForDecision(waitCtx, req.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, sdk.StatusApproved, got.Status)
	require.NotNil(t, got.Secret)
	assert.Equal(t, time.Hour, got.Secret.ExpiresAt.Sub(got.Secret.IssuedAt), "ttl is clamped to the max")

	history, err := admin.History(ctx, req.ID)
	require.NoError(t, err)
	var events []string
	for _, e := range history {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{"created", "policy_decision", "admin_approve", "issued"}, events)

	_, err = agent.History(ctx, req.ID)
	assert.Error(t, err, "agents cannot read the audit trail")
}
