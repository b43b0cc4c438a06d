package engine

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Intent is the normalized change intent produced by the upstream intent normalizer.
type Intent struct {
	// Purpose is the catalog purpose tag (e.g. "web_tier", "state_backend").
	Purpose string `json:"purpose" validate:"required"`

	// Action is the requested action.
	Action IntentAction `json:"action" validate:"required,oneof=create update destroy"`

	// StructuralParams determine the shape of the infrastructure and its signature.
	StructuralParams map[string]interface{} `json:"structural_params"`

	// AdjustableParams are bounded knobs excluded from the signature.
	AdjustableParams map[string]interface{} `json:"adjustable_params,omitempty"`

	// TargetConfigID selects the active target configuration (budget, allow-lists).
	TargetConfigID string `json:"target_config_id" validate:"required"`

	// TenantID owns the request.
	TenantID string `json:"tenant_id" validate:"required"`

	// RequesterID is the identity that submitted the intent.
	RequesterID string `json:"requester_id" validate:"required"`

	// WorkspaceID is the infrastructure state workspace the change targets.
	WorkspaceID string `json:"workspace_id" validate:"required"`

	// Tags are resource tags, including override tags of the form "override:<gate>".
	Tags map[string]string `json:"tags,omitempty"`
}

// Region returns the structural "region" parameter, if any.
func (i Intent) Region() string {
	if r, ok := i.StructuralParams["region"].(string); ok {
		return r
	}
	return ""
}

// ChangeRequest is the unit of governed change.
type ChangeRequest struct {
	// ID is the unique identifier for this change request.
	ID string `json:"id"`

	// TenantID owns the request.
	TenantID string `json:"tenant_id"`

	// WorkspaceID is the workspace the request mutates.
	WorkspaceID string `json:"workspace_id"`

	// Intent is the normalized intent the request was created from.
	Intent Intent `json:"intent"`

	// IntentFingerprint is the canonical hash of Intent.
	IntentFingerprint string `json:"intent_fingerprint"`

	// State is the current lifecycle state.
	State ChangeState `json:"state"`

	// Verdict is the gate verdict, set while State is gated and preserved afterwards.
	Verdict GateVerdict `json:"verdict,omitempty"`

	// BlueprintID references the single active blueprint version.
	BlueprintID string `json:"blueprint_id,omitempty"`

	// BlueprintReused is true when the blueprint was an existing approved one.
	BlueprintReused bool `json:"blueprint_reused,omitempty"`

	// AdjustableDiff lists adjustable parameters that differ from the reused blueprint.
	AdjustableDiff []ParamChange `json:"adjustable_diff,omitempty"`

	// PlanRunID is the run that produced the current plan.
	PlanRunID string `json:"plan_run_id,omitempty"`

	// PlanFingerprint is the fingerprint of the changes summary that was gated and approved.
	PlanFingerprint string `json:"plan_fingerprint,omitempty"`

	// ChangesSummary is the runner's description of the planned changes.
	ChangesSummary *ChangesSummary `json:"changes_summary,omitempty"`

	// GateRunID identifies the gate evaluation the results belong to.
	GateRunID string `json:"gate_run_id,omitempty"`

	// GateResults are the ordered results of the latest gate run.
	GateResults []GateResult `json:"gate_results,omitempty"`

	// GateSetFingerprint is the canonical hash of GateResults.
	GateSetFingerprint string `json:"gate_set_fingerprint,omitempty"`

	// GatedAt is when the latest gate run completed.
	GatedAt *time.Time `json:"gated_at,omitempty"`

	// GateExpiresAt is when the latest gate results stop being approvable.
	GateExpiresAt *time.Time `json:"gate_expires_at,omitempty"`

	// ConfigVersion is the target config version observed by the latest gate run.
	ConfigVersion string `json:"config_version,omitempty"`

	// ApproverID is the identity that approved the request, if any.
	ApproverID string `json:"approver_id,omitempty"`

	// Approval binds the approver to the exact gate results they reviewed.
	Approval *Approval `json:"approval,omitempty"`

	// OverrideApproverID authorizes override tags for this request only.
	OverrideApproverID string `json:"override_approver_id,omitempty"`

	// LockHolder is the workspace lock holder token of the current execution.
	LockHolder string `json:"lock_holder,omitempty"`

	// RunIDs lists every run issued for this request, oldest first.
	RunIDs []string `json:"run_ids,omitempty"`

	// LineageID references the request this one amends.
	LineageID string `json:"lineage_id,omitempty"`

	// CancelRequested is set once cancellation was asked for.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// DestroyRequested is set when the applied infrastructure should be destroyed.
	DestroyRequested bool `json:"destroy_requested,omitempty"`

	// DestroyApproverID authorized the destroy.
	DestroyApproverID string `json:"destroy_approver_id,omitempty"`

	// Failure describes why the request failed or was cancelled.
	Failure *Failure `json:"failure,omitempty"`

	// CreatedAt is when the request was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the request last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the store version used for optimistic concurrency.
	Version int64 `json:"-"`
}

// Approval records a human approval bound to a specific gate run.
type Approval struct {
	ApproverID         string    `json:"approver_id"`
	GateRunID          string    `json:"gate_run_id"`
	GateSetFingerprint string    `json:"gate_set_fingerprint"`
	ApprovedAt         time.Time `json:"approved_at"`
}

// Failure records the error that ended a request.
type Failure struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Reasons []string  `json:"reasons,omitempty"`
	At      time.Time `json:"at"`
}

// ParamChange is one RFC 6902 operation between stored and requested adjustable params.
type ParamChange struct {
	Op       string      `json:"op"`
	Path     string      `json:"path"`
	Value    interface{} `json:"value,omitempty"`
	OldValue interface{} `json:"old_value,omitempty"`
}

// Blueprint is a reusable, parameterized infrastructure template.
type Blueprint struct {
	// ID is the unique identifier for this blueprint version.
	ID string `json:"id"`

	// TenantID owns the blueprint.
	TenantID string `json:"tenant_id"`

	// Purpose is the catalog purpose tag.
	Purpose string `json:"purpose"`

	// Version increases monotonically per tenant and purpose.
	Version int `json:"version"`

	// Signature is the canonical hash of purpose and structural params.
	Signature string `json:"signature"`

	// SourceRef points at the stored payload.
	SourceRef string `json:"source_ref"`

	// Blocks lists the catalog building blocks in dependency order.
	Blocks []string `json:"blocks"`

	// StructuralParams are the params the signature covers.
	StructuralParams map[string]interface{} `json:"structural_params"`

	// AdjustableParams are the params the blueprint was drafted with.
	AdjustableParams map[string]interface{} `json:"adjustable_params,omitempty"`

	// PolicyPassed is set only by a passing gate run of a specific change request.
	PolicyPassed bool `json:"policy_passed"`

	// UsageCount counts confirmed reuses.
	UsageCount int64 `json:"usage_count"`

	// CreatedBy is the requester that caused the draft.
	CreatedBy string `json:"created_by"`

	// ApprovedBy is the change request whose gate run promoted the blueprint.
	ApprovedBy string `json:"approved_by,omitempty"`

	// ApprovedAt is when the blueprint was promoted.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// CreatedAt is when the blueprint was drafted.
	CreatedAt time.Time `json:"created_at"`

	// RecordVersion is the store version used for optimistic concurrency.
	RecordVersion int64 `json:"-"`
}

// GateResult is the immutable outcome of one gate for one change request.
type GateResult struct {
	Gate        string             `json:"gate"`
	Stage       GateStage          `json:"stage"`
	Outcome     GateOutcome        `json:"outcome"`
	Reasons     []string           `json:"reasons,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Overridden  bool               `json:"overridden,omitempty"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

// Passed returns true if the gate passed.
func (g GateResult) Passed() bool { return g.Outcome == OutcomePass }

// Run is a single invocation of the external runner.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// ChangeRequestID is the owning change request.
	ChangeRequestID string `json:"change_request_id"`

	// WorkspaceID is the workspace the run targeted.
	WorkspaceID string `json:"workspace_id"`

	// Operation is the runner operation.
	Operation OperationKind `json:"operation"`

	// Attempt is the 1-based attempt number within a dispatch.
	Attempt int `json:"attempt"`

	// Status is the run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the runner was invoked.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the runner reported back.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// LogRef points at the runner's log output.
	LogRef string `json:"log_ref,omitempty"`

	// Detail is the runner's outcome message.
	Detail string `json:"detail,omitempty"`

	// ChangesSummary is set for successful plans.
	ChangesSummary *ChangesSummary `json:"changes_summary,omitempty"`

	// PlanFingerprint is the fingerprint of ChangesSummary.
	PlanFingerprint string `json:"plan_fingerprint,omitempty"`

	// Version is the store version used for optimistic concurrency.
	Version int64 `json:"-"`
}

// ChangesSummary is the runner's description of what a plan would change.
type ChangesSummary struct {
	Add       int              `json:"add"`
	Change    int              `json:"change"`
	Destroy   int              `json:"destroy"`
	Resources []ResourceChange `json:"resources,omitempty"`
}

// ResourceChange is one planned resource action.
type ResourceChange struct {
	Address string `json:"address"`
	Action  string `json:"action"`
}

// WorkspaceLock grants exclusive mutation rights over a workspace.
type WorkspaceLock struct {
	WorkspaceID string    `json:"workspace_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Holder      string    `json:"holder"`
	AcquiredAt  time.Time `json:"acquired_at"`
	RenewedAt   time.Time `json:"renewed_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// RecoveredFrom is the previous holder whose lease expired before this acquisition.
	RecoveredFrom string `json:"recovered_from,omitempty"`

	// Version is the store version used for optimistic concurrency.
	Version int64 `json:"-"`
}

// Live reports whether the lease is still valid at now.
func (l *WorkspaceLock) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// AuditRecord is one append-only audit entry. Entities are referenced by id only.
type AuditRecord struct {
	ID              string      `json:"id"`
	Sequence        int64       `json:"sequence"`
	TenantID        string      `json:"tenant_id"`
	Kind            AuditKind   `json:"kind"`
	ChangeRequestID string      `json:"change_request_id,omitempty"`
	WorkspaceID     string      `json:"workspace_id,omitempty"`
	ActorID         string      `json:"actor_id,omitempty"`
	FromState       ChangeState `json:"from_state,omitempty"`
	ToState         ChangeState `json:"to_state,omitempty"`
	Gate            string      `json:"gate,omitempty"`
	GateOutcome     GateOutcome `json:"gate_outcome,omitempty"`
	Reasons         []string    `json:"reasons,omitempty"`
	RunID           string      `json:"run_id,omitempty"`
	BlueprintID     string      `json:"blueprint_id,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	Corrects        string      `json:"corrects,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// AuditFilter narrows audit reads. Zero values match everything.
type AuditFilter struct {
	Since           *time.Time  `json:"since,omitempty"`
	Until           *time.Time  `json:"until,omitempty"`
	RequesterID     string      `json:"requester_id,omitempty"`
	WorkspaceID     string      `json:"workspace_id,omitempty"`
	State           ChangeState `json:"state,omitempty"`
	Kind            AuditKind   `json:"kind,omitempty"`
	ChangeRequestID string      `json:"change_request_id,omitempty"`
	Limit           int         `json:"limit,omitempty"`
}

// TargetConfig is the active configuration gates evaluate against.
type TargetConfig struct {
	// ID is the target config identifier referenced by intents.
	ID string `json:"id" mapstructure:"id" validate:"required"`

	// Version is the content hash of the config; changes void approvals.
	Version string `json:"version" mapstructure:"-"`

	// AllowedRegions is the region allow-list. Empty allows nothing.
	AllowedRegions []string `json:"allowed_regions" mapstructure:"allowed_regions"`

	// MonthlyBudget caps the estimated monthly cost delta.
	MonthlyBudget decimal.Decimal `json:"monthly_budget" mapstructure:"monthly_budget"`

	// MandatoryTags must be present on every request.
	MandatoryTags []string `json:"mandatory_tags,omitempty" mapstructure:"mandatory_tags"`

	// AllowedInstanceTypes caps instance types. Empty allows any.
	AllowedInstanceTypes []string `json:"allowed_instance_types,omitempty" mapstructure:"allowed_instance_types"`

	// MaxInstanceCount caps instance counts. Zero means unlimited.
	MaxInstanceCount int `json:"max_instance_count,omitempty" mapstructure:"max_instance_count"`

	// RequireEncryption forbids unencrypted storage.
	RequireEncryption bool `json:"require_encryption" mapstructure:"require_encryption"`

	// AllowPublicExposure permits publicly reachable resources.
	AllowPublicExposure bool `json:"allow_public_exposure" mapstructure:"allow_public_exposure"`
}

// RunRequest is what the dispatcher hands to a runner.
type RunRequest struct {
	RunID           string          `json:"run_id"`
	ChangeRequestID string          `json:"change_request_id"`
	Operation       OperationKind   `json:"operation"`
	WorkspaceID     string          `json:"workspace_id"`
	Payload         json.RawMessage `json:"payload"`
}

// RunResult is what a runner reports back.
type RunResult struct {
	Status         RunnerStatus    `json:"status"`
	LogRef         string          `json:"log_ref,omitempty"`
	Message        string          `json:"message,omitempty"`
	ChangesSummary *ChangesSummary `json:"changes_summary,omitempty"`
}
