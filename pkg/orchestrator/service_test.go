package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/audit"
	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/dispatch"
	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/lock"
	"github.com/openfroyo/changeflow/pkg/policy"
	"github.com/openfroyo/changeflow/pkg/runner"
	"github.com/openfroyo/changeflow/pkg/stores"
)

type staticConfigs struct {
	mu   sync.Mutex
	cfgs map[string]*engine.TargetConfig
}

func (c *staticConfigs) TargetConfig(_ context.Context, id string) (*engine.TargetConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.cfgs[id]
	if !ok {
		return nil, engine.NewNotFound("target config", id)
	}
	copied := *cfg
	return &copied, nil
}

func (c *staticConfigs) set(cfg *engine.TargetConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfgs[cfg.ID] = cfg
}

func prodConfig(version string) *engine.TargetConfig {
	return &engine.TargetConfig{
		ID:                "prod",
		Version:           version,
		AllowedRegions:    []string{"us-east-1", "eu-west-1"},
		MonthlyBudget:     decimal.NewFromInt(2000),
		MandatoryTags:     []string{"owner"},
		RequireEncryption: true,
	}
}

type harness struct {
	svc        *Service
	sim        *runner.Simulated
	clock      *engine.ManualClock
	configs    *staticConfigs
	locks      *lock.Manager
	repo       *blueprint.Repository
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := engine.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	kv := stores.NewMemoryStore()
	catalog := blueprint.DefaultCatalog()
	repo := blueprint.NewRepository(kv)

	gates, err := policy.NewEvaluator(catalog, policy.WithClock(clock))
	require.NoError(t, err)

	sim := runner.NewSimulated()
	locks := lock.NewManager(kv, lock.WithClock(clock))
	d := dispatch.New(sim, kv,
		dispatch.WithClock(clock),
		dispatch.WithRetry(3, time.Millisecond, time.Millisecond))
	configs := &staticConfigs{cfgs: map[string]*engine.TargetConfig{}}
	configs.set(prodConfig("sha256:v1"))

	svc, err := New(Deps{
		KV:         kv,
		Resolver:   blueprint.NewResolver(catalog, repo, blueprint.WithClock(clock)),
		Gates:      gates,
		Dispatcher: d,
		Locks:      locks,
		Audit:      audit.NewRecorder(kv, audit.WithClock(clock)),
		Configs:    configs,
	}, WithClock(clock))
	require.NoError(t, err)

	return &harness{svc: svc, sim: sim, clock: clock, configs: configs, locks: locks, repo: repo, dispatcher: d}
}

func webTier(region string, count int) engine.Intent {
	return engine.Intent{
		Purpose: "web_tier",
		Action:  engine.ActionCreate,
		StructuralParams: map[string]interface{}{
			"region":        region,
			"instance_type": "m5.xlarge",
		},
		AdjustableParams: map[string]interface{}{"instance_count": count},
		TargetConfigID:   "prod",
		TenantID:         "acme",
		RequesterID:      "alice",
		WorkspaceID:      "ws-web",
		Tags:             map[string]string{"owner": "platform"},
	}
}

// advanceTo advances id until it reaches want, failing on any error.
func (h *harness) advanceTo(t *testing.T, id string, want engine.ChangeState) *engine.ChangeRequest {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		cr, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		if cr.State == want {
			return cr
		}
		_, err = h.svc.Advance(ctx, id)
		require.NoError(t, err, "advancing from %s", cr.State)
	}
	t.Fatalf("change request %s did not reach %s", id, want)
	return nil
}

func (h *harness) approved(t *testing.T, intent engine.Intent) *engine.ChangeRequest {
	t.Helper()
	ctx := context.Background()
	cr, err := h.svc.CreateChangeRequest(ctx, intent)
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StateAwaitingApproval)
	cr, err = h.svc.Approve(ctx, cr.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, engine.StateApproved, cr.State)
	return cr
}

func (h *harness) audit(t *testing.T, id string, kind engine.AuditKind) []*engine.AuditRecord {
	t.Helper()
	recs, err := h.svc.ListAudit(context.Background(), "acme", engine.AuditFilter{ChangeRequestID: id, Kind: kind})
	require.NoError(t, err)
	return recs
}

func TestLifecycle_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 8))
	require.NoError(t, err)
	assert.Equal(t, engine.StateDraft, cr.State)
	assert.NotEmpty(t, cr.IntentFingerprint)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateGenerated, cr.State)
	assert.NotEmpty(t, cr.BlueprintID)
	assert.False(t, cr.BlueprintReused)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatePlanned, cr.State)
	require.NotNil(t, cr.ChangesSummary)
	assert.Positive(t, cr.ChangesSummary.Add)
	assert.NotEmpty(t, cr.PlanFingerprint)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateGated, cr.State)
	assert.Equal(t, engine.VerdictPass, cr.Verdict)
	assert.NotEmpty(t, cr.GateRunID)
	for _, res := range cr.GateResults {
		assert.True(t, res.Passed(), "%s: %v", res.Gate, res.Reasons)
		if res.Gate == "cost-budget" {
			assert.Equal(t, 1200.0, res.Metrics["estimated_monthly_cost"])
		}
	}

	bp, err := h.repo.Get(ctx, cr.BlueprintID)
	require.NoError(t, err)
	assert.True(t, bp.PolicyPassed)
	assert.Equal(t, cr.ID, bp.ApprovedBy)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateAwaitingApproval, cr.State)

	_, err = h.svc.Advance(ctx, cr.ID)
	assert.True(t, engine.HasCode(err, engine.ErrCodeAwaitingApproval))

	cr, err = h.svc.Approve(ctx, cr.ID, "bob", ForGateRun(cr.GateRunID))
	require.NoError(t, err)
	assert.Equal(t, engine.StateApproved, cr.State)
	require.NotNil(t, cr.Approval)
	assert.Equal(t, cr.GateSetFingerprint, cr.Approval.GateSetFingerprint)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, cr.State)
	assert.Empty(t, cr.LockHolder)

	assert.Equal(t, 1, h.sim.CallCount(engine.OperationPlan))
	assert.Equal(t, 1, h.sim.CallCount(engine.OperationApply))

	_, err = h.locks.Get(ctx, "ws-web")
	assert.True(t, engine.IsNotFound(err), "lock must be released")

	runs, err := h.svc.ListRuns(ctx, cr.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.ElementsMatch(t, cr.RunIDs, []string{runs[0].ID, runs[1].ID})

	transitions := h.audit(t, cr.ID, engine.AuditTransition)
	var path []engine.ChangeState
	for _, rec := range transitions {
		path = append(path, rec.ToState)
	}
	assert.Equal(t, []engine.ChangeState{
		engine.StateGenerated, engine.StatePlanned, engine.StateGated,
		engine.StateAwaitingApproval, engine.StateApproved, engine.StateExecuting, engine.StateApplied,
	}, path)
	assert.Len(t, h.audit(t, cr.ID, engine.AuditLockAcquired), 1)
	assert.Len(t, h.audit(t, cr.ID, engine.AuditLockReleased), 1)
	assert.NotEmpty(t, h.audit(t, cr.ID, engine.AuditGateResult))
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	intent := webTier("us-east-1", 2)
	intent.TenantID = ""

	_, err := h.svc.CreateChangeRequest(context.Background(), intent)
	require.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.Contains(t, engine.ReasonsOf(err), "Intent.TenantID: failed required")
}

func TestCreate_OverrideApproverCannotBeRequester(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateChangeRequest(context.Background(), webTier("us-east-1", 2), WithOverrideApprover("alice"))
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))
}

func TestGate_RegionNotPermitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cr, err := h.svc.CreateChangeRequest(ctx, webTier("ap-south-1", 2))
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StatePlanned)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.True(t, engine.HasCode(err, engine.ErrCodePolicyViolation), "got %v", err)
	assert.Contains(t, engine.ReasonsOf(err), "region not permitted: ap-south-1")
	assert.Equal(t, engine.StateGated, cr.State)
	assert.Equal(t, engine.VerdictFail, cr.Verdict)

	bp, err := h.repo.Get(ctx, cr.BlueprintID)
	require.NoError(t, err)
	assert.False(t, bp.PolicyPassed, "failing gates never promote")

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, cr.State)
	require.NotNil(t, cr.Failure)
	assert.Equal(t, engine.ErrCodePolicyViolation, cr.Failure.Code)
	assert.Contains(t, cr.Failure.Reasons, "region not permitted: ap-south-1")

	_, err = h.svc.Advance(ctx, cr.ID)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
}

func TestGate_CostCannotBeOverridden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent := webTier("us-east-1", 14)
	intent.Tags[policy.OverrideTagPrefix+"cost-budget"] = "quarter end"

	cr, err := h.svc.CreateChangeRequest(ctx, intent, WithOverrideApprover("carol"))
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StatePlanned)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.True(t, engine.HasCode(err, engine.ErrCodeCostExceeded), "got %v", err)
	assert.Equal(t, engine.StateGated, cr.State)
	assert.Equal(t, engine.VerdictFail, cr.Verdict)
	for _, res := range cr.GateResults {
		if res.Gate == "cost-budget" {
			assert.Equal(t, engine.OutcomeFail, res.Outcome)
			assert.False(t, res.Overridden)
		}
	}
}

func TestGate_UnknownTargetConfigFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent := webTier("us-east-1", 2)
	intent.TargetConfigID = "staging"

	cr, err := h.svc.CreateChangeRequest(ctx, intent)
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StatePlanned)

	cr, err = h.svc.Advance(ctx, cr.ID)
	assert.True(t, engine.IsNotFound(err))
	assert.Equal(t, engine.StateFailed, cr.State)
}

func TestReuse_IncrementsUsageCountOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 8))
	require.NoError(t, err)
	first = h.advanceTo(t, first.ID, engine.StateAwaitingApproval)

	intent := webTier("us-east-1", 4)
	intent.WorkspaceID = "ws-web-2"
	second, err := h.svc.CreateChangeRequest(ctx, intent)
	require.NoError(t, err)

	second = h.advanceTo(t, second.ID, engine.StateGenerated)
	assert.True(t, second.BlueprintReused)
	assert.Equal(t, first.BlueprintID, second.BlueprintID)
	require.Len(t, second.AdjustableDiff, 1)
	assert.Equal(t, "/instance_count", second.AdjustableDiff[0].Path)

	bp, err := h.repo.Get(ctx, second.BlueprintID)
	require.NoError(t, err)
	assert.Zero(t, bp.UsageCount, "resolution alone does not count as reuse")

	h.advanceTo(t, second.ID, engine.StateAwaitingApproval)
	bp, err = h.repo.Get(ctx, second.BlueprintID)
	require.NoError(t, err)
	assert.Zero(t, bp.UsageCount, "an unapplied request does not count as reuse")

	_, err = h.svc.Approve(ctx, second.ID, "bob")
	require.NoError(t, err)
	h.advanceTo(t, second.ID, engine.StateApplied)
	bp, err = h.repo.Get(ctx, second.BlueprintID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bp.UsageCount)
	assert.Len(t, h.audit(t, second.ID, engine.AuditBlueprintReused), 1)
}

func TestReuse_CancelledRequestDoesNotCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 8))
	require.NoError(t, err)
	h.advanceTo(t, first.ID, engine.StateAwaitingApproval)

	intent := webTier("us-east-1", 4)
	intent.WorkspaceID = "ws-web-2"
	second, err := h.svc.CreateChangeRequest(ctx, intent)
	require.NoError(t, err)
	second = h.advanceTo(t, second.ID, engine.StateAwaitingApproval)
	require.True(t, second.BlueprintReused)

	_, err = h.svc.Cancel(ctx, second.ID, "alice")
	require.NoError(t, err)

	bp, err := h.repo.Get(ctx, second.BlueprintID)
	require.NoError(t, err)
	assert.Zero(t, bp.UsageCount)
	assert.Empty(t, h.audit(t, second.ID, engine.AuditBlueprintReused))
}

func TestApprove_SelfApprovalRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StateAwaitingApproval)

	cr, err = h.svc.Approve(ctx, cr.ID, "alice")
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))
	assert.Equal(t, engine.StateAwaitingApproval, cr.State)

	_, err = h.svc.Approve(ctx, cr.ID, "")
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))
	assert.Len(t, h.audit(t, cr.ID, engine.AuditError), 2)
}

func TestApprove_RequiresAwaitingApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, cr.ID, "bob")
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
}

func TestApprove_OtherGateRunIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StateAwaitingApproval)

	cr, err = h.svc.Approve(ctx, cr.ID, "bob", ForGateRun("gate-run-from-yesterday"))
	assert.True(t, engine.HasCode(err, engine.ErrCodeApprovalStale))
	assert.Equal(t, engine.StateAwaitingApproval, cr.State)
}

func TestApprove_ExpiredResultsAreRegated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)
	cr = h.advanceTo(t, cr.ID, engine.StateAwaitingApproval)
	oldRun := cr.GateRunID

	h.clock.Advance(DefaultGateTTL + time.Minute)

	cr, err = h.svc.Approve(ctx, cr.ID, "bob")
	require.True(t, engine.HasCode(err, engine.ErrCodeApprovalStale))
	assert.Contains(t, engine.ReasonsOf(err), "gate results expired")
	assert.Equal(t, engine.StateGated, cr.State)
	assert.NotEqual(t, oldRun, cr.GateRunID)
	assert.Nil(t, cr.Approval)

	cr = h.advanceTo(t, cr.ID, engine.StateAwaitingApproval)
	cr, err = h.svc.Approve(ctx, cr.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, engine.StateApproved, cr.State)
}

func TestApprove_ConfigChangeVoidsApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 8))

	tighter := prodConfig("sha256:v2")
	tighter.MonthlyBudget = decimal.NewFromInt(1000)
	h.configs.set(tighter)

	cr, err := h.svc.Advance(ctx, cr.ID)
	require.True(t, engine.HasCode(err, engine.ErrCodeApprovalStale), "got %v", err)
	assert.Contains(t, engine.ReasonsOf(err), "target config prod changed since gating")
	assert.Equal(t, engine.StateGated, cr.State)
	assert.Equal(t, engine.VerdictFail, cr.Verdict, "1200 exceeds the new budget")
	assert.Equal(t, "sha256:v2", cr.ConfigVersion)
	assert.Nil(t, cr.Approval)
	assert.Zero(t, h.sim.CallCount(engine.OperationApply))
}

func TestAdvance_ConcurrentExecutionHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))
	h.sim.Script(engine.OperationApply, runner.Step{Delay: 50 * time.Millisecond})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Advance(ctx, cr.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "errors: %v", errs)
	assert.Equal(t, 1, h.sim.CallCount(engine.OperationApply))

	got, err := h.svc.Get(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, got.State)
}

func TestAdvance_WorkspaceLockSerializesRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.approved(t, webTier("us-east-1", 2))
	second := h.approved(t, webTier("us-east-1", 3))

	h.sim.Script(engine.OperationApply, runner.Step{Block: true})
	done := make(chan *engine.ChangeRequest, 1)
	go func() {
		cr, _ := h.svc.Advance(ctx, first.ID)
		done <- cr
	}()
	require.Eventually(t, func() bool {
		return h.sim.CallCount(engine.OperationApply) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.svc.Advance(ctx, second.ID)
	require.True(t, engine.IsLockConflict(err), "got %v", err)
	assert.Equal(t, engine.StateApproved, got.State)

	cancelled, err := h.svc.Cancel(ctx, first.ID, "alice")
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, engine.StateExecuting, cancelled.State)

	var settled *engine.ChangeRequest
	select {
	case settled = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled execution did not settle")
	}
	assert.Equal(t, engine.StateFailed, settled.State)
	require.NotNil(t, settled.Failure)
	assert.Equal(t, engine.ErrCodeCancelled, settled.Failure.Code)

	got, err = h.svc.Advance(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, got.State)
}

// crash leaves cr executing under a lease whose holder is gone.
func (h *harness) crash(t *testing.T, cr *engine.ChangeRequest) {
	t.Helper()
	ctx := context.Background()
	current, err := h.svc.Get(ctx, cr.ID)
	require.NoError(t, err)
	current.State = engine.StateExecuting
	require.NoError(t, h.svc.crs.update(ctx, current))
	_, err = h.locks.Acquire(ctx, "acme", current.WorkspaceID, current.ID+"#lost", time.Minute)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)
}

func TestRecovery_PlanDriftVoidsApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))
	h.crash(t, cr)

	h.sim.Script(engine.OperationPlan, runner.Step{Result: &engine.RunResult{
		Status: engine.RunnerSuccess,
		ChangesSummary: &engine.ChangesSummary{Change: 1, Resources: []engine.ResourceChange{
			{Address: "aws_vpc.vpc", Action: "update"},
		}},
	}})

	got, err := h.svc.Advance(ctx, cr.ID)
	require.True(t, engine.HasCode(err, engine.ErrCodePlanDrift), "got %v", err)
	assert.Equal(t, engine.StateGated, got.State)
	assert.Equal(t, engine.VerdictFail, got.Verdict)
	assert.Nil(t, got.Approval)
	require.NotNil(t, got.Failure)
	assert.Equal(t, engine.ErrCodePlanDrift, got.Failure.Code)
	assert.Zero(t, h.sim.CallCount(engine.OperationApply))
	assert.Len(t, h.audit(t, cr.ID, engine.AuditLockRecovered), 1)

	got, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, got.State)
	assert.Equal(t, engine.ErrCodePlanDrift, got.Failure.Code)
}

func TestRecovery_MatchingPlanResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))
	h.crash(t, cr)

	got, err := h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, got.State)
	assert.Equal(t, 2, h.sim.CallCount(engine.OperationPlan))
	assert.Equal(t, 1, h.sim.CallCount(engine.OperationApply))
}

func TestRecovery_ReconcilesLostRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))
	h.crash(t, cr)

	lost := &engine.Run{
		ID:              "run-lost",
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		Operation:       engine.OperationApply,
		Attempt:         1,
		Status:          engine.RunStatusRunning,
		StartedAt:       h.clock.Now(),
	}
	require.NoError(t, h.dispatcher.Runs().Create(ctx, lost))

	// The runner cannot tell yet: the workspace stays locked.
	got, err := h.svc.Advance(ctx, cr.ID)
	require.True(t, engine.HasCode(err, engine.ErrCodeReconciliationUnknown), "got %v", err)
	assert.Equal(t, engine.StateExecuting, got.State)
	assert.Len(t, h.audit(t, cr.ID, engine.AuditError), 1)

	h.sim.SetReconcile("run-lost", engine.RunStatusSucceeded)
	h.clock.Advance(DefaultLockLease + time.Minute)

	got, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, got.State)
	assert.Contains(t, got.RunIDs, "run-lost")
	assert.Zero(t, h.sim.CallCount(engine.OperationApply), "a reconciled apply is not repeated")

	// The lost run was audited once as unknown, then corrected.
	var lostRecs []*engine.AuditRecord
	for _, rec := range h.audit(t, cr.ID, engine.AuditRunRecorded) {
		if rec.RunID == "run-lost" {
			lostRecs = append(lostRecs, rec)
		}
	}
	require.Len(t, lostRecs, 1)
	assert.Equal(t, "apply: unknown", lostRecs[0].Reasons[0])

	corrections := h.audit(t, cr.ID, engine.AuditCorrection)
	require.Len(t, corrections, 1)
	assert.Equal(t, lostRecs[0].ID, corrections[0].Corrects)
	assert.Equal(t, "apply: succeeded", corrections[0].Reasons[0])
}

func TestExecution_FatalApplyFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))
	h.sim.Script(engine.OperationApply, runner.Step{Result: &engine.RunResult{
		Status: engine.RunnerFatalError, Message: "quota exceeded",
	}})

	got, err := h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, got.State)
	require.NotNil(t, got.Failure)
	assert.Equal(t, engine.ErrCodeExecution, got.Failure.Code)

	_, err = h.locks.Get(ctx, cr.WorkspaceID)
	assert.True(t, engine.IsNotFound(err))
}

func TestPlan_TransientRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.Script(engine.OperationPlan,
		runner.Step{Result: &engine.RunResult{Status: engine.RunnerTransientError, Message: "throttled"}},
	)

	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)
	cr = h.advanceTo(t, cr.ID, engine.StatePlanned)
	assert.Len(t, cr.RunIDs, 2)
	assert.Len(t, h.audit(t, cr.ID, engine.AuditRunRecorded), 2)
}

func TestCancel_BeforeExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)
	h.advanceTo(t, cr.ID, engine.StateAwaitingApproval)

	cr, err = h.svc.Cancel(ctx, cr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, cr.State)
	require.NotNil(t, cr.Failure)
	assert.Equal(t, engine.ErrCodeCancelled, cr.Failure.Code)
	assert.Len(t, h.audit(t, cr.ID, engine.AuditCancelRequested), 1)

	_, err = h.svc.Cancel(ctx, cr.ID, "alice")
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
	_, err = h.svc.Advance(ctx, cr.ID)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
}

func TestAmend_KeepsLineage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orig, err := h.svc.CreateChangeRequest(ctx, webTier("ap-south-1", 2))
	require.NoError(t, err)
	h.advanceTo(t, orig.ID, engine.StatePlanned)
	_, err = h.svc.Advance(ctx, orig.ID)
	require.Error(t, err)

	amended, err := h.svc.Amend(ctx, orig.ID, json.RawMessage(`{"structural_params":{"region":"eu-west-1"}}`), "")
	require.NoError(t, err)
	assert.Equal(t, orig.ID, amended.LineageID)
	assert.Equal(t, engine.StateDraft, amended.State)
	assert.Equal(t, "eu-west-1", amended.Intent.Region())
	assert.NotEqual(t, orig.IntentFingerprint, amended.IntentFingerprint)

	h.advanceTo(t, amended.ID, engine.StateAwaitingApproval)

	_, err = h.svc.Amend(ctx, amended.ID, json.RawMessage(`{}`), "")
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))

	_, err = h.svc.Amend(ctx, orig.ID, json.RawMessage(`{"workspace_id":"elsewhere"}`), "")
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestAmend_DoesNotInheritOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent := webTier("ap-south-1", 2)
	intent.Tags[policy.OverrideTagPrefix+"region-allowlist"] = "migration window"

	orig, err := h.svc.CreateChangeRequest(ctx, intent, WithOverrideApprover("carol"))
	require.NoError(t, err)
	require.Equal(t, "carol", orig.OverrideApproverID)
	_, err = h.svc.Cancel(ctx, orig.ID, "alice")
	require.NoError(t, err)

	amended, err := h.svc.Amend(ctx, orig.ID, json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.Empty(t, amended.OverrideApproverID)
	h.advanceTo(t, amended.ID, engine.StatePlanned)
	_, err = h.svc.Advance(ctx, amended.ID)
	require.True(t, engine.HasCode(err, engine.ErrCodePolicyViolation), "got %v", err)
	assert.Contains(t, engine.ReasonsOf(err), "region not permitted: ap-south-1")

	granted, err := h.svc.Amend(ctx, orig.ID, json.RawMessage(`{}`), "", WithOverrideApprover("carol"))
	require.NoError(t, err)
	assert.Equal(t, "carol", granted.OverrideApproverID)
	h.advanceTo(t, granted.ID, engine.StateAwaitingApproval)
}

func TestCancel_DuringExecutionIsAdvisory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))
	h.sim.Script(engine.OperationApply, runner.Step{Block: true})

	type result struct {
		cr  *engine.ChangeRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := h.svc.Advance(ctx, cr.ID)
		done <- result{got, err}
	}()
	require.Eventually(t, func() bool {
		return h.sim.CallCount(engine.OperationApply) == 1
	}, 5*time.Second, time.Millisecond)

	got, err := h.svc.Cancel(ctx, cr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.StateExecuting, got.State, "cancel only flags an executing request")
	assert.True(t, got.CancelRequested)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not settle after cancel")
	}
	require.NoError(t, res.err)
	assert.Equal(t, engine.StateFailed, res.cr.State)
	require.NotNil(t, res.cr.Failure)
	assert.Equal(t, engine.ErrCodeCancelled, res.cr.Failure.Code)
	assert.Len(t, h.audit(t, cr.ID, engine.AuditCancelRequested), 1)

	_, err = h.locks.Get(ctx, cr.WorkspaceID)
	assert.True(t, engine.IsNotFound(err), "the workspace lock is released")
}

func TestAudit_RequesterFilterIncludesLifecycleSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.approved(t, webTier("us-east-1", 2))

	recs, err := h.svc.ListAudit(ctx, "acme", engine.AuditFilter{
		RequesterID: "alice",
		Kind:        engine.AuditTransition,
	})
	require.NoError(t, err)
	var states []engine.ChangeState
	for _, rec := range recs {
		assert.Equal(t, "alice", rec.ActorID)
		states = append(states, rec.ToState)
	}
	assert.Contains(t, states, engine.StateGenerated)
	assert.Contains(t, states, engine.StatePlanned)
	assert.Contains(t, states, engine.StateAwaitingApproval)
	assert.NotContains(t, states, engine.StateApproved, "bob approved the request")
}

func TestDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cr := h.approved(t, webTier("us-east-1", 2))

	_, err := h.svc.RequestDestroy(ctx, cr.ID, "bob")
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition), "only applied requests can be destroyed")

	cr = h.advanceTo(t, cr.ID, engine.StateApplied)
	_, err = h.svc.Advance(ctx, cr.ID)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))

	_, err = h.svc.RequestDestroy(ctx, cr.ID, "alice")
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))

	cr, err = h.svc.RequestDestroy(ctx, cr.ID, "bob")
	require.NoError(t, err)
	assert.True(t, cr.DestroyRequested)
	assert.Equal(t, "bob", cr.DestroyApproverID)

	cr, err = h.svc.Advance(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateDestroyed, cr.State)
	assert.Equal(t, 1, h.sim.CallCount(engine.OperationDestroy))

	_, err = h.locks.Get(ctx, cr.WorkspaceID)
	assert.True(t, engine.IsNotFound(err))
}

func TestList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 2))
	require.NoError(t, err)
	b, err := h.svc.CreateChangeRequest(ctx, webTier("us-east-1", 3))
	require.NoError(t, err)

	list, err := h.svc.List(ctx, "acme", "ws-web")
	require.NoError(t, err)
	var ids []string
	for _, cr := range list {
		ids = append(ids, cr.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	_, err = h.svc.List(ctx, "", "ws-web")
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	_, err = h.svc.Get(ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
}
