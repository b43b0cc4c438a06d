package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/engine"
)

// OverrideTagPrefix marks a tag that waives a gate for one change request.
const OverrideTagPrefix = "override:"

// Candidate is the change a gate run evaluates.
type Candidate struct {
	// ChangeRequestID identifies the request being gated.
	ChangeRequestID string

	// Intent is the normalized intent of the request.
	Intent engine.Intent

	// Blueprint is the resolved blueprint.
	Blueprint *engine.Blueprint

	// Payload is the rendered runner payload.
	Payload json.RawMessage

	// Changes is the plan's changes summary, if a plan exists.
	Changes *engine.ChangesSummary

	// Config is the target configuration gates evaluate against.
	Config *engine.TargetConfig

	// OverrideApproverID is the identity authorizing override tags for this
	// request. Without it, override tags are ignored.
	OverrideApproverID string
}

// Params returns the structural and adjustable params merged.
func (c *Candidate) Params() map[string]interface{} {
	params := make(map[string]interface{}, len(c.Intent.StructuralParams)+len(c.Intent.AdjustableParams))
	for k, v := range c.Intent.StructuralParams {
		params[k] = v
	}
	for k, v := range c.Intent.AdjustableParams {
		params[k] = v
	}
	return blueprint.NormalizeParams(params)
}

// overrideGranted reports whether gate is waived for this candidate.
func (c *Candidate) overrideGranted(gate string) bool {
	if c.OverrideApproverID == "" {
		return false
	}
	_, ok := c.Intent.Tags[OverrideTagPrefix+gate]
	return ok
}

// Finding is what a gate reports. No reasons means the gate passed.
type Finding struct {
	Reasons []string
	Metrics map[string]float64
}

// Gate is one check in the fixed evaluation sequence. Gates must be free of
// side effects and must not depend on each other's results.
type Gate interface {
	Name() string
	Stage() engine.GateStage
	Description() string
	Evaluate(ctx context.Context, c *Candidate) (*Finding, error)
}

// GateInfo describes a configured gate.
type GateInfo struct {
	Name        string           `json:"name"`
	Stage       engine.GateStage `json:"stage"`
	Description string           `json:"description,omitempty"`
	Source      string           `json:"source,omitempty"`
}

// Report is the outcome of one gate run.
type Report struct {
	RunID       string              `json:"run_id"`
	Verdict     engine.GateVerdict  `json:"verdict"`
	Results     []engine.GateResult `json:"results"`
	Fingerprint string              `json:"fingerprint"`
	Duration    time.Duration       `json:"duration"`
}

// Passed reports whether every gate passed.
func (r *Report) Passed() bool { return r.Verdict == engine.VerdictPass }

// Err returns the taxonomy error for a failed report, or nil. Failures
// confined to the cost stage are COST_EXCEEDED; anything else is
// POLICY_VIOLATION carrying every reason of every failing gate.
func (r *Report) Err() error {
	if r.Passed() {
		return nil
	}
	var (
		reasons  []string
		costOnly = true
	)
	for _, res := range r.Results {
		if res.Passed() {
			continue
		}
		if res.Stage != engine.StageCost {
			costOnly = false
		}
		reasons = append(reasons, res.Reasons...)
	}
	if costOnly {
		return engine.NewCostExceeded(reasons...)
	}
	return engine.NewPolicyViolation(reasons...)
}

// Policy is Rego source for a policy-stage gate.
type Policy struct {
	// Name is the gate name; for files it is the base name without extension.
	Name string `json:"name"`

	// Description is taken from the leading comment block.
	Description string `json:"description,omitempty"`

	// Rego is the module source. Reasons are read from data.<package>.deny.
	Rego string `json:"rego"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}
