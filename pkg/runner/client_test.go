package runner

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/engine"
)

const testPayload = `{"purpose":"web","resources":{"vpc":{"type":"aws_vpc"},"instances":{"type":"aws_autoscaling_group"}}}`

func newTestClient(t *testing.T, sim *Simulated) *Client {
	t.Helper()
	srv := NewServer("simulated", sim, zerolog.Nop())
	c, err := NewClient(Config{
		Transport:      &PipeTransport{Serve: srv.Serve},
		StartupTimeout: time.Second,
		CommandTimeout: time.Minute,
		CancelGrace:    time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func planRequest(runID string) engine.RunRequest {
	return engine.RunRequest{
		RunID:           runID,
		ChangeRequestID: "cr-1",
		Operation:       engine.OperationPlan,
		WorkspaceID:     "acme/web",
		Payload:         json.RawMessage(testPayload),
	}
}

func TestClient_RunSuccess(t *testing.T) {
	sim := NewSimulated()
	c := newTestClient(t, sim)

	res, err := c.Run(context.Background(), planRequest("run-1"))
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerSuccess, res.Status)
	assert.Equal(t, "sim://run-1", res.LogRef)
	require.NotNil(t, res.ChangesSummary)
	assert.Equal(t, 2, res.ChangesSummary.Add)
	assert.Equal(t, []engine.ResourceChange{
		{Address: "aws_autoscaling_group.instances", Action: "create"},
		{Address: "aws_vpc.vpc", Action: "create"},
	}, res.ChangesSummary.Resources)

	calls := sim.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme/web", calls[0].WorkspaceID)
	assert.JSONEq(t, testPayload, string(calls[0].Payload))
}

func TestClient_RunnerReportedFailures(t *testing.T) {
	sim := NewSimulated()
	sim.Script(engine.OperationApply,
		Step{Result: &engine.RunResult{Status: engine.RunnerTransientError, Message: "throttled"}},
		Step{Err: engine.NewExecutionError(true, "api unreachable", nil)},
		Step{Err: engine.NewExecutionError(false, "bad credentials", nil)},
	)
	c := newTestClient(t, sim)

	req := planRequest("run-a")
	req.Operation = engine.OperationApply

	res, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerTransientError, res.Status)
	assert.Equal(t, "throttled", res.Message)

	res, err = c.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerTransientError, res.Status, "retryable ERROR maps to a transient result")
	assert.Contains(t, res.Message, "RUN_FAILED")

	res, err = c.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerFatalError, res.Status)
	assert.Contains(t, res.Message, "bad credentials")
}

func TestClient_RunValidatesRequest(t *testing.T) {
	c := newTestClient(t, NewSimulated())

	_, err := c.Run(context.Background(), engine.RunRequest{RunID: "r", Operation: "teleport", WorkspaceID: "ws"})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestClient_Reconcile(t *testing.T) {
	sim := NewSimulated()
	c := newTestClient(t, sim)
	ctx := context.Background()

	_, err := c.Run(ctx, planRequest("run-1"))
	require.NoError(t, err)

	status, err := c.Reconcile(ctx, engine.Run{ID: "run-1", Operation: engine.OperationPlan, WorkspaceID: "acme/web"})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, status)

	status, err = c.Reconcile(ctx, engine.Run{ID: "never-seen", Operation: engine.OperationApply, WorkspaceID: "acme/web"})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusUnknown, status)

	sim.SetReconcile("lost", engine.RunStatusFatalError)
	status, err = c.Reconcile(ctx, engine.Run{ID: "lost", Operation: engine.OperationApply, WorkspaceID: "acme/web"})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFatalError, status)
}

func TestClient_CancelInFlightRun(t *testing.T) {
	sim := NewSimulated()
	sim.Script(engine.OperationApply, Step{Block: true})
	c := newTestClient(t, sim)

	req := planRequest("run-block")
	req.Operation = engine.OperationApply

	type outcome struct {
		res *engine.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Run(context.Background(), req)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return sim.CallCount(engine.OperationApply) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Cancel(context.Background(), "run-block"))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, engine.RunnerCancelled, o.res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled")
	}
}

func TestClient_ContextCancellationReachesRunner(t *testing.T) {
	sim := NewSimulated()
	sim.Script(engine.OperationApply, Step{Block: true})
	c := newTestClient(t, sim)

	req := planRequest("run-ctx")
	req.Operation = engine.OperationApply

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := c.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerCancelled, res.Status)
}

func TestClient_CancelUnknownRunIsNoop(t *testing.T) {
	c := newTestClient(t, NewSimulated())
	assert.NoError(t, c.Cancel(context.Background(), "nothing"))
}

func TestClient_StartupTimeout(t *testing.T) {
	silent := &PipeTransport{Serve: func(_ context.Context, in io.Reader, _ io.Writer) error {
		_, err := io.Copy(io.Discard, in)
		return err
	}}
	c, err := NewClient(Config{Transport: silent, StartupTimeout: 30 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), planRequest("run-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for READY")
}

func TestClient_RunnerExitsMidRun(t *testing.T) {
	early := &PipeTransport{Serve: func(ctx context.Context, in io.Reader, out io.Writer) error {
		srv := NewServer("flaky", NewSimulated(), zerolog.Nop())
		// Answer READY, then drop the stream without reading any command.
		pr, pw := io.Pipe()
		_ = pw.Close()
		go func() { _, _ = io.Copy(io.Discard, in) }()
		return srv.Serve(ctx, pr, out)
	}}
	c, err := NewClient(Config{Transport: early, StartupTimeout: time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), planRequest("run-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner exited unexpectedly")
}

func TestNewClient_RequiresTransport(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
