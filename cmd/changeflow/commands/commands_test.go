package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/app"
	"github.com/openfroyo/changeflow/pkg/config"
	"github.com/openfroyo/changeflow/pkg/engine"
)

const prodTarget = `
targets: prod: {
	allowed_regions: ["us-east-1"]
	monthly_budget:  2000
}
`

const intentYAML = `
purpose: web_tier
action: create
structural_params:
  region: us-east-1
  instance_type: m5.xlarge
adjustable_params:
  instance_count: 2
target_config_id: prod
tenant_id: acme
requester_id: alice
workspace_id: ws-web
`

func startServer(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	targets := filepath.Join(dir, "targets")
	require.NoError(t, os.Mkdir(targets, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(targets, "prod.cue"), []byte(prodTarget), 0o644))

	t.Chdir(dir)
	t.Setenv("CHANGEFLOW_STORE_BACKEND", "memory")
	t.Setenv("CHANGEFLOW_TELEMETRY_LOGGING_OUTPUT", filepath.Join(dir, "changeflow.log"))
	settings, err := config.Load("")
	require.NoError(t, err)

	a, err := app.New(context.Background(), settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ts := httptest.NewServer(a.Handler)
	t.Cleanup(ts.Close)
	return ts.URL, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func runJSON(t *testing.T, v interface{}, args ...string) error {
	t.Helper()
	out, err := run(t, append(args, "--json")...)
	if out != "" {
		require.NoError(t, json.Unmarshal([]byte(out), v), out)
	}
	return err
}

func TestCommands_Lifecycle(t *testing.T) {
	url, dir := startServer(t)
	intentFile := filepath.Join(dir, "intent.yaml")
	require.NoError(t, os.WriteFile(intentFile, []byte(intentYAML), 0o644))

	var cr engine.ChangeRequest
	require.NoError(t, runJSON(t, &cr, "--server", url, "create", "-f", intentFile))
	assert.Equal(t, engine.StateDraft, cr.State)
	assert.Equal(t, "web_tier", cr.Intent.Purpose)

	require.NoError(t, runJSON(t, &cr, "--server", url, "advance", "--until-blocked", cr.ID))
	assert.Equal(t, engine.StateAwaitingApproval, cr.State)

	// Self-approval is refused and the request is still printed.
	var refused engine.ChangeRequest
	err := runJSON(t, &refused, "--server", url, "approve", cr.ID, "--approver", "alice")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))
	assert.Equal(t, engine.StateAwaitingApproval, refused.State)

	require.NoError(t, runJSON(t, &cr, "--server", url, "approve", cr.ID, "--approver", "bob", "--gate-run", cr.GateRunID))
	assert.Equal(t, engine.StateApproved, cr.State)

	require.NoError(t, runJSON(t, &cr, "--server", url, "advance", "--until-blocked", cr.ID))
	assert.Equal(t, engine.StateApplied, cr.State)

	out, err := run(t, "--server", url, "runs", cr.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "plan")
	assert.Contains(t, out, "apply")

	out, err = run(t, "--server", url, "audit", "acme", "--request", cr.ID, "--kind", string(engine.AuditApproval))
	require.NoError(t, err)
	assert.Contains(t, out, "bob")

	out, err = run(t, "--server", url, "list", "--tenant", "acme", "--workspace", "ws-web")
	require.NoError(t, err)
	assert.Contains(t, out, cr.ID)

	out, err = run(t, "--server", url, "get", cr.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "Approver:   bob")

	out, err = run(t, "--server", url, "gates")
	require.NoError(t, err)
	assert.Contains(t, out, "intent-format")
}

func TestCommands_AmendFromStdinPatchFile(t *testing.T) {
	url, dir := startServer(t)
	intentFile := filepath.Join(dir, "intent.json")
	require.NoError(t, os.WriteFile(intentFile, []byte(`{
		"purpose": "web_tier", "action": "create",
		"structural_params": {"region": "eu-west-1", "instance_type": "m5.xlarge"},
		"adjustable_params": {"instance_count": 2},
		"target_config_id": "prod", "tenant_id": "acme",
		"requester_id": "alice", "workspace_id": "ws-web"
	}`), 0o644))

	var cr engine.ChangeRequest
	require.NoError(t, runJSON(t, &cr, "--server", url, "create", "-f", intentFile))

	err := runJSON(t, &cr, "--server", url, "advance", "--until-blocked", cr.ID)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodePolicyViolation))
	assert.Equal(t, engine.StateGated, cr.State)
	assert.Equal(t, engine.VerdictFail, cr.Verdict)

	patchFile := filepath.Join(dir, "patch.yaml")
	require.NoError(t, os.WriteFile(patchFile, []byte("structural_params:\n  region: us-east-1\n"), 0o644))

	var amended engine.ChangeRequest
	require.NoError(t, runJSON(t, &amended, "--server", url, "amend", cr.ID, "-f", patchFile))
	assert.Equal(t, cr.ID, amended.LineageID)
	assert.Equal(t, "us-east-1", amended.Intent.StructuralParams["region"])
}

func TestCommands_TargetsValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.cue"), []byte(prodTarget), 0o644))

	out, err := run(t, "targets", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "prod")
	assert.Contains(t, out, "1 target config(s) valid")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(`targets: dev: {monthly_budget: -1}`), 0o644))
	_, err = run(t, "targets", "validate", dir)
	require.Error(t, err)
}

func TestCommands_ServerUnavailable(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "gates")
	require.Error(t, err)
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\nb: [x, y]\n"), 0o644))

	raw, err := readDocument(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":["x","y"]}`, string(raw))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = readDocument(empty)
	assert.Error(t, err)

	_, err = readDocument(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseSince(t *testing.T) {
	got, err := parseSince("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseSince("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got.UTC())

	got, err = parseSince("2h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-2*time.Hour), *got, time.Minute)

	_, err = parseSince("yesterday")
	assert.Error(t, err)
}

func TestBlocked(t *testing.T) {
	tests := []struct {
		cr   engine.ChangeRequest
		want bool
	}{
		{engine.ChangeRequest{State: engine.StateDraft}, false},
		{engine.ChangeRequest{State: engine.StateGated, Verdict: engine.VerdictPass}, false},
		{engine.ChangeRequest{State: engine.StateGated, Verdict: engine.VerdictFail}, true},
		{engine.ChangeRequest{State: engine.StateAwaitingApproval}, true},
		{engine.ChangeRequest{State: engine.StateApproved}, false},
		{engine.ChangeRequest{State: engine.StateApplied}, true},
		{engine.ChangeRequest{State: engine.StateApplied, DestroyRequested: true}, false},
		{engine.ChangeRequest{State: engine.StateCancelled}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, blocked(&tt.cr), "%s/%s", tt.cr.State, tt.cr.Verdict)
	}
}

func TestServeFlagsOverrideSettings(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHANGEFLOW_SERVER_ADDRESS", "127.0.0.1:7000")
	t.Setenv("CHANGEFLOW_TARGETS_DIR", "from-env")

	cmd := newServeCommand()
	require.NoError(t, cmd.Flags().Set("address", "0.0.0.0:9999"))
	require.NoError(t, cmd.Flags().Set("store", "memory"))

	s, err := config.Load("", bindServeFlags(cmd))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", s.Server.Address, "flags win over the environment")
	assert.Equal(t, "memory", s.Store.Backend)
	assert.Equal(t, "from-env", s.Targets.Dir, "unset flags do not shadow the environment")
	assert.Equal(t, config.RunnerSimulated, s.Runner.Mode)
}
