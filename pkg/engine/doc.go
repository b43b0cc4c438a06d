// Package engine defines the domain model of the change orchestrator: change
// requests, blueprints, gate results, runs, workspace locks and audit records,
// together with the error taxonomy and the collaborator interfaces (runner,
// target configuration, clock) the other packages build on.
//
// # Lifecycle
//
// A change request moves through
//
//	draft -> generated -> planned -> gated(pass|fail) -> awaiting_approval
//	      -> approved -> executing -> applied | failed
//
// and, once applied, optionally applied -> destroying -> destroyed | failed.
// Cancellation before executing ends in cancelled. ChangeState.CanTransition
// is the single source of truth for legal edges.
//
// # Errors
//
// Every exposed operation returns *EngineError values carrying a class
// (transient, conflict, permanent) for retry decisions and a code from the
// taxonomy (VALIDATION_ERROR, POLICY_VIOLATION, COST_EXCEEDED, LOCK_CONFLICT,
// EXECUTION_ERROR, APPROVAL_STALE, RECONCILIATION_UNKNOWN, ...). Reasons are
// kept verbatim so they can be recorded in the audit trail.
package engine
