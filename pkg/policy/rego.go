package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// RegoGate is a policy-stage gate backed by a Rego module. Every element of
// the module's deny set is one reason.
type RegoGate struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// CompileRegoGate parses and prepares a policy.
func CompileRegoGate(ctx context.Context, p Policy) (*RegoGate, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", p.Name)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}
	return &RegoGate{policy: p, query: query}, nil
}

// CompileRegoGates compiles policies in order.
func CompileRegoGates(ctx context.Context, policies []Policy) ([]Gate, error) {
	gates := make([]Gate, 0, len(policies))
	for _, p := range policies {
		g, err := CompileRegoGate(ctx, p)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, nil
}

func (g *RegoGate) Name() string            { return g.policy.Name }
func (g *RegoGate) Stage() engine.GateStage { return engine.StagePolicy }
func (g *RegoGate) Description() string     { return g.policy.Description }

// Evaluate implements Gate.
func (g *RegoGate) Evaluate(ctx context.Context, c *Candidate) (*Finding, error) {
	input, err := regoInput(c)
	if err != nil {
		return nil, err
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				return nil, fmt.Errorf("policy %s: deny must be a set, got %T", g.policy.Name, expr.Value)
			}
			for _, d := range set {
				reasons = append(reasons, reasonOf(d))
			}
		}
	}
	return &Finding{Reasons: reasons}, nil
}

func reasonOf(v interface{}) string {
	switch d := v.(type) {
	case string:
		return d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// regoInput is the document policies see as input.
func regoInput(c *Candidate) (map[string]interface{}, error) {
	resources := map[string]interface{}{}
	if len(c.Payload) > 0 {
		var doc struct {
			Resources map[string]interface{} `json:"resources"`
		}
		if err := json.Unmarshal(c.Payload, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		if doc.Resources != nil {
			resources = doc.Resources
		}
	}

	tags := map[string]interface{}{}
	for k, v := range c.Intent.Tags {
		if strings.HasPrefix(k, OverrideTagPrefix) {
			continue
		}
		tags[k] = v
	}

	allowedTypes := c.Config.AllowedInstanceTypes
	if allowedTypes == nil {
		allowedTypes = []string{}
	}
	allowedRegions := c.Config.AllowedRegions
	if allowedRegions == nil {
		allowedRegions = []string{}
	}
	mandatory := c.Config.MandatoryTags
	if mandatory == nil {
		mandatory = []string{}
	}

	input := map[string]interface{}{
		"change_request_id": c.ChangeRequestID,
		"purpose":           c.Intent.Purpose,
		"action":            string(c.Intent.Action),
		"region":            c.Intent.Region(),
		"tags":              tags,
		"params":            c.Params(),
		"resources":         resources,
		"config": map[string]interface{}{
			"id":                     c.Config.ID,
			"allowed_regions":        allowedRegions,
			"mandatory_tags":         mandatory,
			"allowed_instance_types": allowedTypes,
			"max_instance_count":     c.Config.MaxInstanceCount,
			"require_encryption":     c.Config.RequireEncryption,
			"allow_public_exposure":  c.Config.AllowPublicExposure,
		},
	}
	if c.Changes != nil {
		input["changes"] = c.Changes
	}

	// Round-trip through JSON so Rego sees plain JSON values.
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return out, nil
}
