package orchestrator

import (
	"context"

	"github.com/openfroyo/changeflow/pkg/dispatch"
	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/policy"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

// Advance performs the next lifecycle step of a change request and returns
// the request as it stands afterwards. A request awaiting approval reports
// AWAITING_APPROVAL; terminal requests report INVALID_TRANSITION. When a
// step fails without changing state, the error is audited and the request
// can be advanced again.
func (s *Service) Advance(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	cr, err := s.crs.get(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartChangeRequestSpan(ctx, "advance", id)
	before := cr.Version
	err = s.step(ctx, cr)
	telemetry.End(span, err)

	if err != nil && cr.Version == before && !engine.HasCode(err, engine.ErrCodeAwaitingApproval) {
		s.recordError(ctx, cr, "", err)
	}
	return cr, err
}

func (s *Service) step(ctx context.Context, cr *engine.ChangeRequest) error {
	if cr.CancelRequested && cr.State.IsCancellable() {
		return s.transition(ctx, cr, engine.StateCancelled, "", engine.NewCancelled(cr.ID), nil)
	}

	switch cr.State {
	case engine.StateDraft:
		return s.generate(ctx, cr)
	case engine.StateGenerated:
		return s.plan(ctx, cr)
	case engine.StatePlanned:
		return s.gate(ctx, cr, "", nil)
	case engine.StateGated:
		return s.settleGate(ctx, cr)
	case engine.StateAwaitingApproval:
		return engine.NewAwaitingApproval(cr.ID)
	case engine.StateApproved, engine.StateExecuting:
		return s.runExclusive(ctx, cr, s.applyExecution(cr))
	case engine.StateApplied:
		if !cr.DestroyRequested {
			return engine.NewInvalidTransition(cr.State, "advance")
		}
		return s.runExclusive(ctx, cr, destroyExecution(cr))
	case engine.StateDestroying:
		return s.runExclusive(ctx, cr, destroyExecution(cr))
	default:
		return engine.NewInvalidTransition(cr.State, "advance")
	}
}

// generate resolves the blueprint of a draft.
func (s *Service) generate(ctx context.Context, cr *engine.ChangeRequest) error {
	res, err := s.resolver.Resolve(ctx, cr.Intent)
	if err != nil {
		if engine.IsPermanent(err) {
			return s.transition(ctx, cr, engine.StateFailed, "", err, nil)
		}
		return err
	}

	err = s.transition(ctx, cr, engine.StateGenerated, "", nil, func(next *engine.ChangeRequest) {
		next.BlueprintID = res.Blueprint.ID
		next.BlueprintReused = res.Reused
		next.AdjustableDiff = res.AdjustableDiff
	})
	if err != nil {
		return err
	}
	if !res.Reused {
		s.record(ctx, &engine.AuditRecord{
			TenantID:        cr.TenantID,
			Kind:            engine.AuditBlueprintDrafted,
			ChangeRequestID: cr.ID,
			WorkspaceID:     cr.WorkspaceID,
			BlueprintID:     res.Blueprint.ID,
		})
	}
	return nil
}

// plan runs the plan operation and stores its summary and fingerprint.
func (s *Service) plan(ctx context.Context, cr *engine.ChangeRequest) error {
	wctx, done, err := s.workers.start(ctx, cr.ID)
	if err != nil {
		return err
	}
	defer done()

	outcome, err := s.dispatch(wctx, cr, engine.OperationPlan, "")
	if err != nil {
		return err
	}

	switch outcome.Status {
	case engine.RunStatusSucceeded:
		return s.transition(ctx, cr, engine.StatePlanned, "", nil, func(next *engine.ChangeRequest) {
			next.PlanRunID = outcome.Last().ID
			next.PlanFingerprint = outcome.PlanFingerprint
			next.ChangesSummary = outcome.ChangesSummary
			next.RunIDs = append(append([]string(nil), next.RunIDs...), outcome.RunIDs()...)
		})

	case engine.RunStatusUnknown:
		return outcome.Err

	case engine.RunStatusCancelled:
		return s.transition(ctx, cr, engine.StateCancelled, "", outcome.Err, appendRuns(outcome))

	default:
		return s.transition(ctx, cr, engine.StateFailed, "", outcome.Err, appendRuns(outcome))
	}
}

// confirmReuse counts a use of the reused blueprint. Only an applied
// request counts; one that fails or is cancelled never did.
func (s *Service) confirmReuse(ctx context.Context, cr *engine.ChangeRequest) {
	bp, err := s.resolver.ConfirmReuse(ctx, cr.BlueprintID)
	if err != nil {
		s.log(cr).Error().Err(err).
			Str("blueprint_id", cr.BlueprintID).
			Msg("failed to confirm blueprint reuse")
		s.recordError(ctx, cr, "", err)
		return
	}
	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditBlueprintReused,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		BlueprintID:     bp.ID,
	})
}

// gate evaluates the gate sequence and moves cr to gated with the results.
// cause, when set, is why an approvable request is being gated again. The
// returned error is the report's POLICY_VIOLATION or COST_EXCEEDED when the
// verdict is fail.
func (s *Service) gate(ctx context.Context, cr *engine.ChangeRequest, actor string, cause error) error {
	cfg, err := s.configs.TargetConfig(ctx, cr.Intent.TargetConfigID)
	if err != nil {
		return s.failEarly(ctx, cr, err)
	}
	bp, err := s.resolver.Repository().Get(ctx, cr.BlueprintID)
	if err != nil {
		return err
	}
	payload, err := s.resolver.RenderPayload(ctx, bp, cr.Intent)
	if err != nil {
		return err
	}

	report, err := s.gates.Evaluate(ctx, &policy.Candidate{
		ChangeRequestID:    cr.ID,
		Intent:             cr.Intent,
		Blueprint:          bp,
		Payload:            payload,
		Changes:            cr.ChangesSummary,
		Config:             cfg,
		OverrideApproverID: cr.OverrideApproverID,
	})
	if err != nil {
		return s.failEarly(ctx, cr, err)
	}

	now := s.clock.Now()
	expires := now.Add(s.gateTTL)
	err = s.transition(ctx, cr, engine.StateGated, actor, cause, func(next *engine.ChangeRequest) {
		next.GateRunID = report.RunID
		next.GateResults = report.Results
		next.GateSetFingerprint = report.Fingerprint
		next.GatedAt = &now
		next.GateExpiresAt = &expires
		next.ConfigVersion = cfg.Version
		next.Verdict = report.Verdict
		next.ApproverID = ""
		next.Approval = nil
		next.Failure = nil
	})
	if err != nil {
		return err
	}

	overridden := false
	for _, res := range report.Results {
		overridden = overridden || res.Overridden
		s.record(ctx, &engine.AuditRecord{
			TenantID:        cr.TenantID,
			Kind:            engine.AuditGateResult,
			ChangeRequestID: cr.ID,
			WorkspaceID:     cr.WorkspaceID,
			Gate:            res.Gate,
			GateOutcome:     res.Outcome,
			Reasons:         res.Reasons,
			BlueprintID:     cr.BlueprintID,
		})
	}

	// A blueprint only becomes reusable on its own merits.
	if report.Passed() && !overridden && !bp.PolicyPassed {
		if _, err := s.resolver.Promote(ctx, bp.ID, cr.ID); err != nil {
			s.logger.Error().Err(err).Str("blueprint_id", bp.ID).Msg("failed to promote blueprint")
			s.recordError(ctx, cr, actor, err)
		} else {
			s.record(ctx, &engine.AuditRecord{
				TenantID:        cr.TenantID,
				Kind:            engine.AuditBlueprintPromote,
				ChangeRequestID: cr.ID,
				WorkspaceID:     cr.WorkspaceID,
				BlueprintID:     bp.ID,
			})
		}
	}
	return report.Err()
}

// failEarly fails a planned request whose gates cannot be evaluated for a
// permanent reason, such as an unknown target config. Requests gated again
// from an approvable state keep their state.
func (s *Service) failEarly(ctx context.Context, cr *engine.ChangeRequest, err error) error {
	if cr.State == engine.StatePlanned && engine.IsPermanent(err) {
		if terr := s.transition(ctx, cr, engine.StateFailed, "", err, nil); terr != nil {
			return terr
		}
	}
	return err
}

// settleGate moves a gated request on: a passing verdict waits for
// approval, a failing one fails the request with the recorded reasons.
func (s *Service) settleGate(ctx context.Context, cr *engine.ChangeRequest) error {
	if cr.Verdict == engine.VerdictPass {
		return s.transition(ctx, cr, engine.StateAwaitingApproval, "", nil, nil)
	}

	var cause error = (&policy.Report{Verdict: cr.Verdict, Results: cr.GateResults}).Err()
	if cr.Failure != nil {
		cause = &engine.EngineError{
			Class:   engine.ErrorClassPermanent,
			Code:    cr.Failure.Code,
			Message: cr.Failure.Message,
			Reasons: cr.Failure.Reasons,
		}
	}
	if cause == nil {
		cause = engine.NewPolicyViolation("gate verdict is fail")
	}
	return s.transition(ctx, cr, engine.StateFailed, "", cause, nil)
}

// dispatch renders the payload of cr and hands op to the dispatcher. Every
// attempt is audited.
func (s *Service) dispatch(ctx context.Context, cr *engine.ChangeRequest, op engine.OperationKind, holder string) (*dispatch.Outcome, error) {
	bp, err := s.resolver.Repository().Get(ctx, cr.BlueprintID)
	if err != nil {
		return nil, err
	}
	payload, err := s.resolver.RenderPayload(ctx, bp, cr.Intent)
	if err != nil {
		return nil, err
	}

	outcome, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		ChangeRequestID: cr.ID,
		TenantID:        cr.TenantID,
		WorkspaceID:     cr.WorkspaceID,
		Operation:       op,
		Payload:         payload,
		LockHolder:      holder,
		OnAttempt:       func(run *engine.Run) { s.workers.setRun(cr.ID, run.ID) },
	})
	if err != nil {
		return nil, err
	}

	for _, run := range outcome.Runs {
		rec := &engine.AuditRecord{
			TenantID:        cr.TenantID,
			Kind:            engine.AuditRunRecorded,
			ChangeRequestID: cr.ID,
			WorkspaceID:     cr.WorkspaceID,
			RunID:           run.ID,
			Reasons:         []string{string(run.Operation) + ": " + string(run.Status)},
		}
		if run.Detail != "" {
			rec.Reasons = append(rec.Reasons, run.Detail)
		}
		s.record(ctx, rec)
	}
	return outcome, nil
}

func appendRuns(outcome *dispatch.Outcome) func(*engine.ChangeRequest) {
	return func(next *engine.ChangeRequest) {
		next.RunIDs = append(append([]string(nil), next.RunIDs...), outcome.RunIDs()...)
	}
}
