package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: runner timeouts, network resets, throttled provider APIs.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates contention on a shared resource.
	// Examples: workspace lock held by another request, stale record version.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: policy violations, malformed intents, authorization denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes. Every error returned by an exposed operation carries one of these.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodePolicyViolation       = "POLICY_VIOLATION"
	ErrCodeCostExceeded          = "COST_EXCEEDED"
	ErrCodeLockConflict          = "LOCK_CONFLICT"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeApprovalStale         = "APPROVAL_STALE"
	ErrCodeReconciliationUnknown = "RECONCILIATION_UNKNOWN"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeAwaitingApproval      = "AWAITING_APPROVAL"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodePlanDrift             = "PLAN_DRIFT"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is the taxonomy code used for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Reasons is the complete list of reasons behind the error, in order.
	Reasons []string `json:"reasons,omitempty"`

	// Resource is the entity ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Reasons, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewValidationError reports a malformed intent or parameters outside declared bounds.
func NewValidationError(message string, reasons ...string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeValidation, message, nil).WithReasons(reasons...)
}

// NewPolicyViolation reports one or more failed policy gates.
func NewPolicyViolation(reasons ...string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePolicyViolation, "policy gates failed", nil).WithReasons(reasons...)
}

// NewCostExceeded reports an estimated cost delta above the configured budget.
func NewCostExceeded(reasons ...string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeCostExceeded, "cost gate failed", nil).WithReasons(reasons...)
}

// NewLockConflict reports that another change request holds the workspace lock.
func NewLockConflict(workspaceID, holder string) *EngineError {
	return newError(ErrorClassConflict, ErrCodeLockConflict, "workspace is locked", nil).
		WithResource(workspaceID).
		WithDetail("holder", holder)
}

// NewExecutionError reports a runner failure. Transient failures are retryable.
func NewExecutionError(transient bool, message string, err error) *EngineError {
	class := ErrorClassPermanent
	if transient {
		class = ErrorClassTransient
	}
	return newError(class, ErrCodeExecution, message, err)
}

// NewApprovalStale reports an approval that no longer matches current gate results.
func NewApprovalStale(reasons ...string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeApprovalStale, "approval is stale", nil).WithReasons(reasons...)
}

// NewReconciliationUnknown reports a prior run whose outcome could not be confirmed.
func NewReconciliationUnknown(runID string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeReconciliationUnknown, "outcome of prior run is unknown", err).
		WithResource(runID)
}

// NewNotFound reports a missing entity.
func NewNotFound(kind, id string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeNotFound, kind+" not found", nil).WithResource(id)
}

// NewConflictError reports an optimistic concurrency failure.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

// NewInvalidTransition reports an operation that is illegal in the current state.
func NewInvalidTransition(from ChangeState, operation string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeInvalidTransition,
		fmt.Sprintf("%s is not allowed in state %s", operation, from), nil).
		WithOperation(operation)
}

// NewAwaitingApproval reports that a request is parked until an approver acts.
func NewAwaitingApproval(changeRequestID string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeAwaitingApproval, "change request is awaiting approval", nil).
		WithResource(changeRequestID)
}

// NewUnauthorized reports an actor without permission for an operation.
func NewUnauthorized(actor, action string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeUnauthorized,
		fmt.Sprintf("%s is not permitted to %s", actor, action), nil)
}

// NewPlanDrift reports that a re-issued plan no longer matches the approved plan.
func NewPlanDrift(approved, current string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePlanDrift, "plan changed since approval", nil).
		WithReasons(fmt.Sprintf("plan fingerprint %s does not match approved %s", current, approved))
}

// NewCancelled reports a request that was cancelled.
func NewCancelled(changeRequestID string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeCancelled, "change request was cancelled", nil).
		WithResource(changeRequestID)
}

// NewInternalError wraps an unexpected failure such as a storage error.
func NewInternalError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeInternal, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithReasons appends reasons to the error.
func (e *EngineError) WithReasons(reasons ...string) *EngineError {
	e.Reasons = append(e.Reasons, reasons...)
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError extracts an EngineError from the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or ErrCodeInternal for unclassified errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := AsEngineError(err); ok {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code string) bool {
	e, ok := AsEngineError(err)
	return ok && e.Code == code
}

// ReasonsOf returns the reasons attached to err, or its message when it has none.
func ReasonsOf(err error) []string {
	if err == nil {
		return nil
	}
	if e, ok := AsEngineError(err); ok && len(e.Reasons) > 0 {
		return append([]string(nil), e.Reasons...)
	}
	return []string{err.Error()}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsRetryable returns true if the caller may retry the same operation later.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// IsLockConflict reports whether err is a workspace lock conflict.
func IsLockConflict(err error) bool { return HasCode(err, ErrCodeLockConflict) }

// IsNotFound reports whether err is a missing entity.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }
