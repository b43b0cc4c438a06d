package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/lock"
	"github.com/openfroyo/changeflow/pkg/runner"
	"github.com/openfroyo/changeflow/pkg/stores"
)

const payload = `{"resources":{"bucket":{"type":"aws_s3_bucket"},"table":{"type":"aws_dynamodb_table"}}}`

func newTestDispatcher(t *testing.T, sim *runner.Simulated, opts ...Option) (*Dispatcher, *stores.MemoryStore) {
	t.Helper()
	kv := stores.NewMemoryStore()
	opts = append([]Option{WithRetry(3, time.Millisecond, 5*time.Millisecond)}, opts...)
	return New(sim, kv, opts...), kv
}

func planReq() Request {
	return Request{
		ChangeRequestID: "cr-1",
		TenantID:        "acme",
		WorkspaceID:     "acme/state",
		Operation:       engine.OperationPlan,
		Payload:         json.RawMessage(payload),
	}
}

func TestDispatch_PlanSuccess(t *testing.T) {
	sim := runner.NewSimulated()
	d, _ := newTestDispatcher(t, sim)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, planReq())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, out.Status)
	assert.Nil(t, out.Err)
	require.Len(t, out.Runs, 1)
	require.NotNil(t, out.ChangesSummary)
	assert.Equal(t, 2, out.ChangesSummary.Add)

	want, err := engine.PlanFingerprint(out.ChangesSummary)
	require.NoError(t, err)
	assert.Equal(t, want, out.PlanFingerprint)

	stored, err := d.Runs().Get(ctx, out.Last().ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.NotNil(t, stored.EndedAt)
	assert.Equal(t, want, stored.PlanFingerprint)
}

func TestDispatch_TransientRetriedAsNewRuns(t *testing.T) {
	sim := runner.NewSimulated()
	sim.Script(engine.OperationApply,
		runner.Step{Result: &engine.RunResult{Status: engine.RunnerTransientError, Message: "throttled"}},
		runner.Step{Err: errors.New("connection reset")},
	)
	d, _ := newTestDispatcher(t, sim)
	ctx := context.Background()

	req := planReq()
	req.Operation = engine.OperationApply
	out, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, out.Status)
	require.Len(t, out.Runs, 3)
	assert.Equal(t, 3, sim.CallCount(engine.OperationApply))

	runs, err := d.Runs().List(ctx, "cr-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, engine.RunStatusTransientError, runs[0].Status)
	assert.Equal(t, "throttled", runs[0].Detail)
	assert.Equal(t, engine.RunStatusTransientError, runs[1].Status)
	assert.Equal(t, engine.RunStatusSucceeded, runs[2].Status)
	for i, r := range runs {
		assert.Equal(t, i+1, r.Attempt)
	}
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	sim := runner.NewSimulated()
	transient := runner.Step{Result: &engine.RunResult{Status: engine.RunnerTransientError, Message: "timeout"}}
	sim.Script(engine.OperationApply, transient, transient, transient, transient)
	d, _ := newTestDispatcher(t, sim)

	req := planReq()
	req.Operation = engine.OperationApply
	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusTransientError, out.Status)
	assert.Len(t, out.Runs, 3, "attempt cap")
	require.NotNil(t, out.Err)
	assert.Equal(t, engine.ErrCodeExecution, out.Err.Code)
	assert.Contains(t, out.Err.Error(), "after 3 attempts")
}

func TestDispatch_FatalNotRetried(t *testing.T) {
	sim := runner.NewSimulated()
	sim.Script(engine.OperationApply, runner.Step{Result: &engine.RunResult{Status: engine.RunnerFatalError, Message: "AccessDenied"}})
	d, _ := newTestDispatcher(t, sim)

	req := planReq()
	req.Operation = engine.OperationApply
	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFatalError, out.Status)
	assert.Len(t, out.Runs, 1)
	require.NotNil(t, out.Err)
	assert.False(t, engine.IsRetryable(out.Err))
	assert.Contains(t, out.Err.Error(), "AccessDenied")
}

func TestDispatch_PermanentRunnerErrorNotRetried(t *testing.T) {
	sim := runner.NewSimulated()
	sim.Script(engine.OperationPlan, runner.Step{Err: engine.NewValidationError("malformed payload")})
	d, _ := newTestDispatcher(t, sim)

	out, err := d.Dispatch(context.Background(), planReq())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFatalError, out.Status)
	assert.Len(t, out.Runs, 1)
	assert.True(t, engine.HasCode(out.Err, engine.ErrCodeValidation))
}

func TestDispatch_PlanWithoutSummaryIsFatal(t *testing.T) {
	sim := runner.NewSimulated()
	sim.Script(engine.OperationPlan, runner.Step{Result: &engine.RunResult{Status: engine.RunnerSuccess}})
	d, _ := newTestDispatcher(t, sim)

	out, err := d.Dispatch(context.Background(), planReq())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFatalError, out.Status)
}

func TestDispatch_UnacknowledgedCancellationIsUnknown(t *testing.T) {
	sim := runner.NewSimulated()
	sim.Script(engine.OperationApply, runner.Step{Err: context.Canceled})
	d, _ := newTestDispatcher(t, sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := planReq()
	req.Operation = engine.OperationApply
	out, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusUnknown, out.Status)
	assert.True(t, engine.HasCode(out.Err, engine.ErrCodeReconciliationUnknown))

	stored, err := d.Runs().Get(context.Background(), out.Last().ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusUnknown, stored.Status)
	assert.Nil(t, stored.EndedAt)
}

func TestDispatch_Validation(t *testing.T) {
	d, _ := newTestDispatcher(t, runner.NewSimulated())

	_, err := d.Dispatch(context.Background(), Request{ChangeRequestID: "cr", WorkspaceID: "ws", Operation: "refresh"})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	_, err = d.Dispatch(context.Background(), Request{Operation: engine.OperationPlan})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestReconcile(t *testing.T) {
	sim := runner.NewSimulated()
	d, _ := newTestDispatcher(t, sim)
	ctx := context.Background()

	run := &engine.Run{ID: "run-lost", ChangeRequestID: "cr-1", WorkspaceID: "acme/state", Operation: engine.OperationApply, Attempt: 1, Status: engine.RunStatusRunning, StartedAt: time.Now()}
	require.NoError(t, d.Runs().Create(ctx, run))

	marked, err := d.MarkUnknown(ctx, "run-lost")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusUnknown, marked.Status)

	_, err = d.Reconcile(ctx, "run-lost")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeReconciliationUnknown))

	sim.SetReconcile("run-lost", engine.RunStatusSucceeded)
	got, err := d.Reconcile(ctx, "run-lost")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, got.Status)
	assert.NotNil(t, got.EndedAt)

	active, err := d.Runs().Active(ctx, "cr-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReconcile_RunnerWithoutSupport(t *testing.T) {
	kv := stores.NewMemoryStore()
	d := New(plainRunner{}, kv)
	ctx := context.Background()

	run := &engine.Run{ID: "r", ChangeRequestID: "cr", WorkspaceID: "ws", Operation: engine.OperationApply, Status: engine.RunStatusUnknown}
	require.NoError(t, d.Runs().Create(ctx, run))

	_, err := d.Reconcile(ctx, "r")
	assert.True(t, engine.HasCode(err, engine.ErrCodeReconciliationUnknown))
	assert.NoError(t, d.Cancel(ctx, "r"), "cancel is a no-op without support")
}

func TestDispatch_CancelForwarded(t *testing.T) {
	sim := runner.NewSimulated()
	sim.Script(engine.OperationApply, runner.Step{Block: true})
	d, _ := newTestDispatcher(t, sim)

	req := planReq()
	req.Operation = engine.OperationApply

	done := make(chan *Outcome, 1)
	go func() {
		out, err := d.Dispatch(context.Background(), req)
		assert.NoError(t, err)
		done <- out
	}()

	var runID string
	require.Eventually(t, func() bool {
		calls := sim.Calls()
		if len(calls) == 0 {
			return false
		}
		runID = calls[0].RunID
		return true
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Cancel(context.Background(), runID))

	out := <-done
	assert.Equal(t, engine.RunStatusCancelled, out.Status)
	assert.True(t, engine.HasCode(out.Err, engine.ErrCodeCancelled))
}

func TestDispatch_HeartbeatRenewsLock(t *testing.T) {
	kv := stores.NewMemoryStore()
	locks := lock.NewManager(kv)
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "acme", "acme/state", "cr-1", time.Minute)
	require.NoError(t, err)

	sim := runner.NewSimulated()
	sim.Script(engine.OperationApply, runner.Step{Delay: 60 * time.Millisecond})
	d := New(sim, kv, WithLockHeartbeat(locks, 10*time.Millisecond, time.Minute))

	req := planReq()
	req.Operation = engine.OperationApply
	req.LockHolder = "cr-1"
	out, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, out.Status)

	after, err := locks.Get(ctx, "acme/state")
	require.NoError(t, err)
	assert.Greater(t, after.Version, held.Version)
	assert.True(t, after.RenewedAt.After(held.RenewedAt))
}

func TestDispatch_LostLockCancelsRun(t *testing.T) {
	kv := stores.NewMemoryStore()
	locks := lock.NewManager(kv)
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "acme", "acme/state", "cr-1", time.Minute)
	require.NoError(t, err)

	sim := runner.NewSimulated()
	sim.Script(engine.OperationApply, runner.Step{Block: true})
	d := New(sim, kv, WithLockHeartbeat(locks, 10*time.Millisecond, time.Minute))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = kv.DeleteIfVersion(ctx, lock.Key("acme/state"), held.Version)
		_, _ = locks.Acquire(ctx, "acme", "acme/state", "intruder", time.Minute)
	}()

	req := planReq()
	req.Operation = engine.OperationApply
	req.LockHolder = "cr-1"
	out, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCancelled, out.Status)
}

type plainRunner struct{}

func (plainRunner) Run(context.Context, engine.RunRequest) (*engine.RunResult, error) {
	return &engine.RunResult{Status: engine.RunnerSuccess}, nil
}
