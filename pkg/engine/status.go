package engine

import (
	"encoding/json"
	"fmt"
)

// ChangeState is the lifecycle state of a change request.
type ChangeState string

const (
	// StateDraft indicates the request was accepted and awaits blueprint resolution.
	StateDraft ChangeState = "draft"

	// StateGenerated indicates a blueprint was resolved or drafted.
	StateGenerated ChangeState = "generated"

	// StatePlanned indicates the runner produced a plan and changes summary.
	StatePlanned ChangeState = "planned"

	// StateGated indicates the gate evaluator recorded a verdict (see GateVerdict).
	StateGated ChangeState = "gated"

	// StateAwaitingApproval indicates a passing request parked for a human approver.
	StateAwaitingApproval ChangeState = "awaiting_approval"

	// StateApproved indicates an approver accepted the current gate results.
	StateApproved ChangeState = "approved"

	// StateExecuting indicates the workspace lock is held and apply is in flight.
	StateExecuting ChangeState = "executing"

	// StateApplied indicates the runner applied the change.
	StateApplied ChangeState = "applied"

	// StateFailed indicates the request ended unsuccessfully.
	StateFailed ChangeState = "failed"

	// StateDestroying indicates a destroy of applied infrastructure is in flight.
	StateDestroying ChangeState = "destroying"

	// StateDestroyed indicates the applied infrastructure was destroyed.
	StateDestroyed ChangeState = "destroyed"

	// StateCancelled indicates the request was cancelled before execution.
	StateCancelled ChangeState = "cancelled"
)

// transitions lists every legal edge of the change request lifecycle.
var transitions = map[ChangeState][]ChangeState{
	StateDraft:            {StateGenerated, StateFailed, StateCancelled},
	StateGenerated:        {StatePlanned, StateFailed, StateCancelled},
	StatePlanned:          {StateGated, StateFailed, StateCancelled},
	StateGated:            {StateAwaitingApproval, StateFailed, StateCancelled},
	StateAwaitingApproval: {StateApproved, StateGated, StateCancelled},
	StateApproved:         {StateExecuting, StateGated, StateCancelled},
	StateExecuting:        {StateApplied, StateFailed, StateGated},
	StateApplied:          {StateDestroying},
	StateDestroying:       {StateDestroyed, StateFailed},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s ChangeState) CanTransition(next ChangeState) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition is possible. Applied is
// terminal for the apply path; only an explicit destroy request leaves it.
func (s ChangeState) IsTerminal() bool {
	return s == StateApplied || s == StateDestroyed || s == StateFailed || s == StateCancelled
}

// IsCancellable returns true if cancellation takes effect immediately.
func (s ChangeState) IsCancellable() bool {
	switch s {
	case StateDraft, StateGenerated, StatePlanned, StateGated,
		StateAwaitingApproval, StateApproved:
		return true
	}
	return false
}

// Validate checks if the change state is valid.
func (s ChangeState) Validate() error {
	switch s {
	case StateDraft, StateGenerated, StatePlanned, StateGated, StateAwaitingApproval,
		StateApproved, StateExecuting, StateApplied, StateFailed, StateDestroying,
		StateDestroyed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid change state: %s", s)
	}
}

// GateVerdict is the overall outcome of a gate run.
type GateVerdict string

const (
	// VerdictPass indicates every gate passed.
	VerdictPass GateVerdict = "pass"

	// VerdictFail indicates at least one gate did not pass.
	VerdictFail GateVerdict = "fail"
)

// GateStage groups gates in their fixed evaluation order.
type GateStage string

const (
	StageStructural GateStage = "structural"
	StagePolicy     GateStage = "policy"
	StageCost       GateStage = "cost"
)

// GateOutcome is the result of a single gate.
type GateOutcome string

const (
	OutcomePass  GateOutcome = "pass"
	OutcomeFail  GateOutcome = "fail"
	OutcomeError GateOutcome = "error"
)

// OperationKind is the runner operation a Run performs.
type OperationKind string

const (
	OperationPlan    OperationKind = "plan"
	OperationApply   OperationKind = "apply"
	OperationDestroy OperationKind = "destroy"
)

// Validate checks if the operation kind is valid.
func (o OperationKind) Validate() error {
	switch o {
	case OperationPlan, OperationApply, OperationDestroy:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", o)
	}
}

// RunStatus represents the status of a single runner invocation.
type RunStatus string

const (
	// RunStatusRunning indicates the runner was invoked and has not reported back.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the runner reported success.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusTransientError indicates a retryable runner failure.
	RunStatusTransientError RunStatus = "transient_error"

	// RunStatusFatalError indicates a non-retryable runner failure.
	RunStatusFatalError RunStatus = "fatal_error"

	// RunStatusUnknown indicates the run outcome must be reconciled with the runner.
	RunStatusUnknown RunStatus = "unknown"

	// RunStatusCancelled indicates the runner acknowledged cancellation.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusTransientError ||
		s == RunStatusFatalError || s == RunStatusCancelled
}

// IsActive returns true if the run may still be mutating infrastructure.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusUnknown
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusTransientError,
		RunStatusFatalError, RunStatusUnknown, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// RunnerStatus is the status reported by an external runner.
type RunnerStatus string

const (
	RunnerSuccess        RunnerStatus = "success"
	RunnerTransientError RunnerStatus = "transient_error"
	RunnerFatalError     RunnerStatus = "fatal_error"
	RunnerCancelled      RunnerStatus = "cancelled"
)

// IntentAction is the action a change intent asks for.
type IntentAction string

const (
	ActionCreate  IntentAction = "create"
	ActionUpdate  IntentAction = "update"
	ActionDestroy IntentAction = "destroy"
)

// AuditKind classifies audit records.
type AuditKind string

const (
	AuditCreated          AuditKind = "change_request.created"
	AuditTransition       AuditKind = "change_request.transition"
	AuditGateResult       AuditKind = "gate.result"
	AuditApproval         AuditKind = "change_request.approved"
	AuditCancelRequested  AuditKind = "change_request.cancel_requested"
	AuditDestroyRequested AuditKind = "change_request.destroy_requested"
	AuditRunRecorded      AuditKind = "run.recorded"
	AuditLockAcquired     AuditKind = "lock.acquired"
	AuditLockReleased     AuditKind = "lock.released"
	AuditLockRecovered    AuditKind = "lock.recovered"
	AuditBlueprintReused  AuditKind = "blueprint.reused"
	AuditBlueprintDrafted AuditKind = "blueprint.drafted"
	AuditBlueprintPromote AuditKind = "blueprint.promoted"
	AuditError            AuditKind = "error"
	AuditCorrection       AuditKind = "correction"
)
