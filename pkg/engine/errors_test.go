package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"validation", NewValidationError("bad intent", "purpose is required"), ErrCodeValidation, false},
		{"policy", NewPolicyViolation("region not permitted: ap-south-1"), ErrCodePolicyViolation, false},
		{"cost", NewCostExceeded("over budget"), ErrCodeCostExceeded, false},
		{"lock", NewLockConflict("ws-1", "cr-1"), ErrCodeLockConflict, true},
		{"transient execution", NewExecutionError(true, "timeout", nil), ErrCodeExecution, true},
		{"fatal execution", NewExecutionError(false, "denied", nil), ErrCodeExecution, false},
		{"stale", NewApprovalStale("gate results expired"), ErrCodeApprovalStale, false},
		{"reconciliation", NewReconciliationUnknown("run-1", nil), ErrCodeReconciliationUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("advance: %w", tt.err)
			assert.Equal(t, tt.code, CodeOf(wrapped))
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))
		})
	}
}

func TestEngineError_ReasonsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("gate: %w", NewPolicyViolation("missing tag: owner", "region not permitted: ap-south-1"))
	assert.Equal(t, []string{"missing tag: owner", "region not permitted: ap-south-1"}, ReasonsOf(err))
	assert.Contains(t, err.Error(), "region not permitted: ap-south-1")
}

func TestEngineError_Is(t *testing.T) {
	err := NewLockConflict("ws-1", "cr-1")
	assert.True(t, errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeLockConflict}))
	assert.False(t, errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict}))
	assert.True(t, IsLockConflict(err))
	assert.Equal(t, "cr-1", err.Details["holder"])
}

func TestEngineError_UnclassifiedErrors(t *testing.T) {
	plain := errors.New("disk full")
	assert.Equal(t, ErrCodeInternal, CodeOf(plain))
	assert.Equal(t, []string{"disk full"}, ReasonsOf(plain))
	assert.False(t, IsRetryable(plain))
	assert.Empty(t, CodeOf(nil))
}

func TestChangeState_Transitions(t *testing.T) {
	path := []ChangeState{
		StateDraft, StateGenerated, StatePlanned, StateGated, StateAwaitingApproval,
		StateApproved, StateExecuting, StateApplied, StateDestroying, StateDestroyed,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransition(path[i+1]), "%s -> %s", path[i], path[i+1])
	}

	assert.True(t, StateExecuting.CanTransition(StateGated), "plan drift forces re-gating")
	assert.False(t, StateExecuting.CanTransition(StateCancelled), "cancel is advisory while executing")
	assert.False(t, StateDraft.CanTransition(StateApproved))
	assert.False(t, StateApplied.CanTransition(StateExecuting))
	assert.False(t, StateDestroyed.CanTransition(StateDestroying))

	for _, s := range []ChangeState{StateFailed, StateDestroyed, StateCancelled} {
		assert.True(t, s.IsTerminal())
		assert.False(t, s.IsCancellable())
	}
	assert.True(t, StateApproved.IsCancellable())
	assert.False(t, StateExecuting.IsCancellable())
	require.Error(t, ChangeState("bogus").Validate())
}

func TestGateSetFingerprint_IgnoresEvaluationTime(t *testing.T) {
	a := []GateResult{{Gate: "region-allowlist", Stage: StagePolicy, Outcome: OutcomePass}}
	b := []GateResult{{Gate: "region-allowlist", Stage: StagePolicy, Outcome: OutcomePass}}
	b[0].EvaluatedAt = b[0].EvaluatedAt.AddDate(1, 0, 0)

	fa, err := GateSetFingerprint(a)
	require.NoError(t, err)
	fb, err := GateSetFingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b[0].Outcome = OutcomeFail
	fc, err := GateSetFingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}
