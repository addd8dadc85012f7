package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/config"
)

// testConfig writes a config backed by a temporary SQLite store and
// returns its path.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(dir, "sentinel.db")
	cfg.Policy.Restricted = []string{"db/prod/*"}
	cfg.Policy.Forbidden = []string{"vault/root"}
	path := filepath.Join(dir, "sentinel.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func submitJSON(t *testing.T, cfgPath, resource string) access.Request {
	t.Helper()
	out, err := execute(t, "--config", cfgPath, "submit",
		"--agent", "deploy-bot", "--resource", resource,
		"--task", "JIRA-1", "--summary", "nightly check", "--ttl", "600", "--json")
	require.NoError(t, err)
	var req access.Request
	require.NoError(t, json.Unmarshal([]byte(out), &req))
	return req
}

func TestSubmit_OpenResourceIsApprovedWithSecret(t *testing.T) {
	cfgPath := testConfig(t)

	req := submitJSON(t, cfgPath, "cache/staging")
	assert.Equal(t, access.StatusApproved, req.Status)
	require.NotNil(t, req.Secret)
	assert.True(t, strings.HasPrefix(req.Secret.Value, "stl_"))
	assert.Equal(t, access.DecidedByPolicy, req.Decision.DecidedBy)
}

func TestSubmit_ForbiddenIsDenied(t *testing.T) {
	req := submitJSON(t, testConfig(t), "vault/root")
	assert.Equal(t, access.StatusDenied, req.Status)
	assert.Nil(t, req.Secret)
}

func TestSubmit_RequiresAgentLocally(t *testing.T) {
	_, err := execute(t, "--config", testConfig(t), "submit",
		"--resource", "cache/staging", "--task", "T", "--summary", "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--agent")
}

func TestSubmit_InvalidIntent(t *testing.T) {
	_, err := execute(t, "--config", testConfig(t), "submit",
		"--agent", "a", "--resource", "cache/staging", "--task", "T",
		"--summary", strings.Repeat("x", access.MaxSummaryLen+1))
	require.Error(t, err)
	assert.Equal(t, access.KindInvalidRequest, access.KindOf(err))
}

func TestRequests_ApproveFlow(t *testing.T) {
	cfgPath := testConfig(t)

	pending := submitJSON(t, cfgPath, "db/prod/readonly")
	require.Equal(t, access.StatusPending, pending.Status)
	assert.Nil(t, pending.Decision)

	out, err := execute(t, "--config", cfgPath, "requests", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, pending.ID)
	assert.Contains(t, out, "PENDING_APPROVAL")

	out, err = execute(t, "--config", cfgPath, "requests", "approve", pending.ID, "--admin", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "APPROVED")

	// A second decision observes the approval.
	_, err = execute(t, "--config", cfgPath, "requests", "deny", pending.ID, "--admin", "bob")
	require.Error(t, err)
	assert.Equal(t, access.KindPreconditionFailed, access.KindOf(err))

	out, err = execute(t, "--config", cfgPath, "poll", pending.ID, "--json")
	require.NoError(t, err)
	var polled access.Request
	require.NoError(t, json.Unmarshal([]byte(out), &polled))
	assert.Equal(t, access.StatusApproved, polled.Status)
	assert.Equal(t, access.AdminActor("alice"), polled.Decision.DecidedBy)
	require.NotNil(t, polled.Secret)
	assert.NotContains(t, polled.Secret.Value, "*")

	out, err = execute(t, "--config", cfgPath, "requests", "show", pending.ID, "--json")
	require.NoError(t, err)
	var shown access.Request
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, access.MaskValue(polled.Secret.Value), shown.Secret.Value)

	out, err = execute(t, "--config", cfgPath, "requests", "history", pending.ID)
	require.NoError(t, err)
	for _, ev := range []string{"created", "policy_decision", "admin_approve", "issued"} {
		assert.Contains(t, out, ev)
	}

	out, err = execute(t, "--config", cfgPath, "requests", "revoke", pending.ID, "--reason", "task done")
	require.NoError(t, err)
	assert.Contains(t, out, "EXPIRED")
}

func TestRequests_DenyPending(t *testing.T) {
	cfgPath := testConfig(t)
	pending := submitJSON(t, cfgPath, "db/prod/primary")

	_, err := execute(t, "--config", cfgPath, "requests", "deny", pending.ID, "--reason", "use a replica")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "requests", "show", pending.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "DENIED")
	assert.Contains(t, out, "(final)")
	assert.Contains(t, out, "use a replica")
}

func TestRequests_ListUnknownStatus(t *testing.T) {
	_, err := execute(t, "--config", testConfig(t), "requests", "list", "--status", "bogus")
	require.Error(t, err)
}

func TestRequests_NotFound(t *testing.T) {
	_, err := execute(t, "--config", testConfig(t), "requests", "show", "missing")
	require.Error(t, err)
	assert.Equal(t, access.KindNotFound, access.KindOf(err))
}

func TestSweep(t *testing.T) {
	out, err := execute(t, "--config", testConfig(t), "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Expired 0 request(s)")
}

func TestKeygenSeal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "seal.key")

	_, err := execute(t, "keygen", "seal", "--out", out)
	require.NoError(t, err)
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "keygen", "seal", "--out", out)
	require.Error(t, err, "existing key must not be overwritten without --force")
}

func TestKeygenToken_Write(t *testing.T) {
	cfgPath := testConfig(t)

	out, err := execute(t, "--config", cfgPath, "keygen", "token", "--subject", "alice", "--role", "admin", "--write")
	require.NoError(t, err)
	assert.Contains(t, out, "Token: stk_")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "alice", cfg.Auth.Tokens[0].Subject)
	assert.Len(t, cfg.Auth.Tokens[0].TokenSHA256, 64)
}

func TestKeygenToken_Snippet(t *testing.T) {
	out, err := execute(t, "keygen", "token", "--subject", "deploy-bot")
	require.NoError(t, err)
	assert.Contains(t, out, "token_sha256:")
	assert.Contains(t, out, "role: agent")

	_, err = execute(t, "keygen", "token", "--subject", "x", "--role", "root")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "sentinel dev\n", out)
}
