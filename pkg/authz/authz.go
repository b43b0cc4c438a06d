// Package authz decides which identities may approve, override and destroy
// change requests. Decisions come from a casbin RBAC model with one domain
// per tenant; objects are workspace ids and may be matched with wildcards.
package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// Action is a governed operation.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionOverride Action = "override"
	ActionDestroy  Action = "destroy"
)

// Model is the casbin model. A policy line "p, role, tenant, workspace, act"
// grants act on matching workspaces of tenant; "g, user, role, tenant"
// assigns roles. A tenant or subject of "*" matches any.
const Model = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (p.sub == "*" || r.sub == p.sub || g(r.sub, p.sub, r.dom) || g(r.sub, p.sub, "*")) && (p.dom == "*" || r.dom == p.dom) && keyMatch(r.obj, p.obj) && r.act == p.act
`

// Request is one authorization question.
type Request struct {
	Subject   string
	TenantID  string
	Workspace string
	Action    Action
}

// Authorizer enforces approver permissions.
type Authorizer struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
	logger   zerolog.Logger
}

// NewAuthorizer loads policies from a casbin CSV policy file.
func NewAuthorizer(policyPath string, logger zerolog.Logger) (*Authorizer, error) {
	m, err := model.NewModelFromString(Model)
	if err != nil {
		return nil, fmt.Errorf("authz: invalid model: %w", err)
	}
	enf, err := casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	if err != nil {
		return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
	}
	if err := enf.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("authz: failed to load policies: %w", err)
	}
	return &Authorizer{enforcer: enf, logger: logger.With().Str("component", "authz").Logger()}, nil
}

// NewStaticAuthorizer builds an authorizer from in-memory policy and role
// lines, in the same shape as the CSV file without the leading p or g.
func NewStaticAuthorizer(policies, roles [][]string) (*Authorizer, error) {
	m, err := model.NewModelFromString(Model)
	if err != nil {
		return nil, fmt.Errorf("authz: invalid model: %w", err)
	}
	enf, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
	}
	if len(policies) > 0 {
		if _, err := enf.AddPolicies(policies); err != nil {
			return nil, fmt.Errorf("authz: failed to add policies: %w", err)
		}
	}
	if len(roles) > 0 {
		if _, err := enf.AddGroupingPolicies(roles); err != nil {
			return nil, fmt.Errorf("authz: failed to add roles: %w", err)
		}
	}
	return &Authorizer{enforcer: enf, logger: zerolog.Nop()}, nil
}

// Check evaluates a request without returning an authorization error.
func (a *Authorizer) Check(req Request) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ok, err := a.enforcer.Enforce(req.Subject, req.TenantID, req.Workspace, string(req.Action))
	if err != nil {
		return false, fmt.Errorf("authz: enforce failed: %w", err)
	}
	return ok, nil
}

// Authorize returns an UNAUTHORIZED error if the request is denied.
func (a *Authorizer) Authorize(ctx context.Context, req Request) error {
	if req.Subject == "" {
		return engine.NewUnauthorized("anonymous", string(req.Action))
	}
	ok, err := a.Check(req)
	if err != nil {
		return engine.NewInternalError("authorization check failed", err)
	}
	if !ok {
		a.logger.Warn().
			Str("subject", req.Subject).
			Str("tenant_id", req.TenantID).
			Str("workspace_id", req.Workspace).
			Str("action", string(req.Action)).
			Msg("authorization denied")
		return engine.NewUnauthorized(req.Subject, string(req.Action)).WithResource(req.Workspace)
	}
	return nil
}

// ReloadPolicy re-reads the policy file.
func (a *Authorizer) ReloadPolicy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("authz: reload policy failed: %w", err)
	}
	a.logger.Info().Msg("authz policy reloaded")
	return nil
}

// AllowAll returns an authorizer that permits every action of every subject.
// Intended for local development.
func AllowAll() *Authorizer {
	a, err := NewStaticAuthorizer([][]string{
		{"*", "*", "*", string(ActionApprove)},
		{"*", "*", "*", string(ActionOverride)},
		{"*", "*", "*", string(ActionDestroy)},
	}, nil)
	if err != nil {
		panic(err)
	}
	return a
}
