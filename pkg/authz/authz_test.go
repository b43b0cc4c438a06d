package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/engine"
)

const policyCSV = `p, approver, acme, *, approve
p, platform-lead, acme, prod-*, override
p, platform-lead, *, *, destroy
g, carol, approver, acme
g, dave, platform-lead, acme
`

func TestAuthorizer_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(path, []byte(policyCSV), 0o600))

	a, err := NewAuthorizer(path, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"approver in tenant", Request{"carol", "acme", "ws-web", ActionApprove}, true},
		{"approver in other tenant", Request{"carol", "globex", "ws-web", ActionApprove}, false},
		{"approver cannot override", Request{"carol", "acme", "prod-web", ActionOverride}, false},
		{"lead overrides prod", Request{"dave", "acme", "prod-web", ActionOverride}, true},
		{"lead cannot override dev", Request{"dave", "acme", "dev-web", ActionOverride}, false},
		{"lead destroys", Request{"dave", "acme", "dev-web", ActionDestroy}, true},
		{"unknown subject", Request{"mallory", "acme", "ws-web", ActionApprove}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Check(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorizer_Authorize(t *testing.T) {
	a, err := NewStaticAuthorizer(
		[][]string{{"approver", "acme", "*", "approve"}},
		[][]string{{"carol", "approver", "acme"}},
	)
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, a.Authorize(ctx, Request{Subject: "carol", TenantID: "acme", Workspace: "ws", Action: ActionApprove}))

	err = a.Authorize(ctx, Request{Subject: "bob", TenantID: "acme", Workspace: "ws", Action: ActionApprove})
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))

	err = a.Authorize(ctx, Request{TenantID: "acme", Workspace: "ws", Action: ActionApprove})
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))
}

func TestAuthorizer_ReloadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(path, []byte("p, approver, acme, *, approve\n"), 0o600))

	a, err := NewAuthorizer(path, zerolog.Nop())
	require.NoError(t, err)
	ok, err := a.Check(Request{"erin", "acme", "ws", ActionApprove})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("p, approver, acme, *, approve\ng, erin, approver, acme\n"), 0o600))
	require.NoError(t, a.ReloadPolicy(context.Background()))

	ok, err = a.Check(Request{"erin", "acme", "ws", ActionApprove})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll().Check(Request{"anyone", "any", "ws", ActionDestroy})
	require.NoError(t, err)
	assert.True(t, ok)
}
