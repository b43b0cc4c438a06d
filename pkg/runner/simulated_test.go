package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/engine"
)

func TestSummarizePayload(t *testing.T) {
	plan, err := SummarizePayload(engine.OperationPlan, json.RawMessage(testPayload))
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Add)
	assert.Zero(t, plan.Destroy)

	destroy, err := SummarizePayload(engine.OperationDestroy, json.RawMessage(testPayload))
	require.NoError(t, err)
	assert.Equal(t, 2, destroy.Destroy)
	assert.Equal(t, "delete", destroy.Resources[0].Action)

	empty, err := SummarizePayload(engine.OperationPlan, nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Add)

	_, err = SummarizePayload(engine.OperationPlan, json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestSimulated_SameInputSamePlan(t *testing.T) {
	sim := NewSimulated()
	a, err := sim.Run(context.Background(), planRequest("a"))
	require.NoError(t, err)
	b, err := sim.Run(context.Background(), planRequest("b"))
	require.NoError(t, err)

	fa, err := engine.PlanFingerprint(a.ChangesSummary)
	require.NoError(t, err)
	fb, err := engine.PlanFingerprint(b.ChangesSummary)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestSimulated_ScriptQueueThenDefault(t *testing.T) {
	sim := NewSimulated()
	sim.Script(engine.OperationPlan, Step{Result: &engine.RunResult{Status: engine.RunnerFatalError, Message: "syntax"}})

	res, err := sim.Run(context.Background(), planRequest("1"))
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerFatalError, res.Status)

	res, err = sim.Run(context.Background(), planRequest("2"))
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerSuccess, res.Status)

	status, err := sim.Reconcile(context.Background(), engine.Run{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFatalError, status)
	assert.Equal(t, 2, sim.CallCount(engine.OperationPlan))
}

func TestSimulated_DelayHonoursContext(t *testing.T) {
	sim := NewSimulated()
	sim.Script(engine.OperationPlan, Step{Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := sim.Run(ctx, planRequest("slow"))
	require.NoError(t, err)
	assert.Equal(t, engine.RunnerCancelled, res.Status)
}
