package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/changeflow/pkg/dispatch"
	"github.com/openfroyo/changeflow/pkg/engine"
)

// execution describes one lock-holding phase of the lifecycle: apply
// (approved → executing → applied) or destroy (applied → destroying →
// destroyed).
type execution struct {
	from    engine.ChangeState
	running engine.ChangeState
	done    engine.ChangeState
	op      engine.OperationKind
	actor   string

	// replan re-plans before a resumed execution and refuses to continue
	// when the plan no longer matches the approved one.
	replan bool
}

func (s *Service) applyExecution(cr *engine.ChangeRequest) execution {
	op := engine.OperationApply
	if cr.Intent.Action == engine.ActionDestroy {
		op = engine.OperationDestroy
	}
	return execution{
		from:    engine.StateApproved,
		running: engine.StateExecuting,
		done:    engine.StateApplied,
		op:      op,
		actor:   cr.ApproverID,
		replan:  true,
	}
}

func destroyExecution(cr *engine.ChangeRequest) execution {
	return execution{
		from:    engine.StateApplied,
		running: engine.StateDestroying,
		done:    engine.StateDestroyed,
		op:      engine.OperationDestroy,
		actor:   cr.DestroyApproverID,
	}
}

// holderToken names a lock holder after the change request it works for.
func (s *Service) holderToken(changeRequestID string) string {
	return changeRequestID + "#" + s.newID()
}

func holderChangeRequest(holder string) string {
	id, _, _ := strings.Cut(holder, "#")
	return id
}

// runExclusive runs ex under the workspace lock. The lock is released once
// the outcome is known; when it is not, the lease is left to expire so the
// next holder reconciles first.
func (s *Service) runExclusive(ctx context.Context, cr *engine.ChangeRequest, ex execution) error {
	if cr.State == engine.StateApproved {
		if stale := s.checkFresh(ctx, cr); stale != nil {
			return s.regate(ctx, cr, "", stale)
		}
	}

	wctx, done, err := s.workers.start(ctx, cr.ID)
	if err != nil {
		return err
	}
	defer done()

	holder := s.holderToken(cr.ID)
	lk, err := s.locks.Acquire(ctx, cr.TenantID, cr.WorkspaceID, holder, s.lockLease)
	if err != nil {
		return err
	}
	s.recordLock(ctx, cr, engine.AuditLockAcquired, holder)

	keepLock := false
	defer func() {
		if keepLock {
			s.log(cr).Warn().Msg("run outcome unknown; leaving workspace lease to expire")
			return
		}
		if relErr := s.locks.Release(context.WithoutCancel(ctx), cr.WorkspaceID, holder); relErr != nil {
			s.log(cr).Error().Err(relErr).Msg("failed to release workspace lock")
			return
		}
		s.recordLock(ctx, cr, engine.AuditLockReleased, holder)
	}()

	if lk.RecoveredFrom != "" {
		s.recordLock(ctx, cr, engine.AuditLockRecovered, lk.RecoveredFrom)
		if err := s.recoverHolder(ctx, lk.RecoveredFrom); err != nil {
			keepLock = engine.HasCode(err, engine.ErrCodeReconciliationUnknown)
			return err
		}
	}

	if cr.State == ex.from {
		err := s.transition(ctx, cr, ex.running, ex.actor, nil, func(next *engine.ChangeRequest) {
			next.LockHolder = holder
		})
		if err != nil {
			return err
		}
	} else {
		finished, err := s.resume(wctx, cr, ex)
		if err != nil || finished {
			keepLock = engine.HasCode(err, engine.ErrCodeReconciliationUnknown)
			return err
		}
	}

	outcome, err := s.dispatch(wctx, cr, ex.op, holder)
	if err != nil {
		return err
	}
	err = s.settleExecution(ctx, cr, ex, outcome)
	keepLock = engine.HasCode(err, engine.ErrCodeReconciliationUnknown)
	return err
}

func (s *Service) settleExecution(ctx context.Context, cr *engine.ChangeRequest, ex execution, outcome *dispatch.Outcome) error {
	switch outcome.Status {
	case engine.RunStatusSucceeded:
		return s.succeed(ctx, cr, ex, outcome.RunIDs()...)
	case engine.RunStatusUnknown:
		return outcome.Err
	default:
		return s.transition(ctx, cr, engine.StateFailed, ex.actor, outcome.Err, func(next *engine.ChangeRequest) {
			appendRuns(outcome)(next)
			next.LockHolder = ""
		})
	}
}

// succeed completes ex with the given runs and, for an apply of a reused
// blueprint, confirms the reuse.
func (s *Service) succeed(ctx context.Context, cr *engine.ChangeRequest, ex execution, runIDs ...string) error {
	err := s.transition(ctx, cr, ex.done, ex.actor, nil, func(next *engine.ChangeRequest) {
		next.RunIDs = append([]string(nil), next.RunIDs...)
		for _, id := range runIDs {
			next.RunIDs = appendUnique(next.RunIDs, id)
		}
		next.LockHolder = ""
	})
	if err != nil {
		return err
	}
	if ex.done == engine.StateApplied && cr.BlueprintReused {
		s.confirmReuse(ctx, cr)
	}
	return nil
}

// recoverHolder settles the runs of a holder whose lease expired. Their
// outcome must be known before the workspace is mutated again. Each lost
// run is audited as unknown; once the runner reports its outcome a
// correction of that record is appended.
func (s *Service) recoverHolder(ctx context.Context, holder string) error {
	crID := holderChangeRequest(holder)
	if crID == "" {
		return nil
	}
	owner, err := s.crs.get(ctx, crID)
	if err != nil {
		return err
	}
	active, err := s.dispatcher.Runs().Active(ctx, crID)
	if err != nil {
		return err
	}
	for _, run := range active {
		if _, err := s.dispatcher.MarkUnknown(ctx, run.ID); err != nil {
			return err
		}
		lost, err := s.lostRunRecord(ctx, owner, run)
		if err != nil {
			return err
		}
		settled, err := s.dispatcher.Reconcile(ctx, run.ID)
		if err != nil {
			return err
		}
		if _, err := s.audit.Correct(context.WithoutCancel(ctx), lost, "",
			string(settled.Operation)+": "+string(settled.Status), settled.Detail); err != nil {
			s.log(owner).Error().Err(err).Str("run_id", run.ID).Msg("failed to correct lost run record")
		}
	}
	return nil
}

// lostRunRecord returns the audit record of run as unknown, appending it
// on first recovery.
func (s *Service) lostRunRecord(ctx context.Context, owner *engine.ChangeRequest, run *engine.Run) (*engine.AuditRecord, error) {
	records, err := s.audit.List(ctx, owner.TenantID, engine.AuditFilter{
		ChangeRequestID: owner.ID,
		Kind:            engine.AuditRunRecorded,
	})
	if err != nil {
		return nil, err
	}
	unknown := string(run.Operation) + ": " + string(engine.RunStatusUnknown)
	for _, rec := range records {
		if rec.RunID == run.ID && len(rec.Reasons) > 0 && rec.Reasons[0] == unknown {
			return rec, nil
		}
	}
	rec := &engine.AuditRecord{
		TenantID:        owner.TenantID,
		Kind:            engine.AuditRunRecorded,
		ChangeRequestID: owner.ID,
		WorkspaceID:     owner.WorkspaceID,
		RunID:           run.ID,
		Reasons:         []string{unknown, "worker lost"},
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// resume continues an execution whose worker was lost. It reports finished
// when the request reached a new state without dispatching again.
func (s *Service) resume(ctx context.Context, cr *engine.ChangeRequest, ex execution) (bool, error) {
	if err := s.recoverHolder(ctx, cr.ID+"#"); err != nil {
		return false, err
	}
	runs, err := s.dispatcher.Runs().List(ctx, cr.ID)
	if err != nil {
		return false, err
	}

	// Runs already settled into the request belong to earlier phases.
	settled := make(map[string]bool, len(cr.RunIDs))
	for _, id := range cr.RunIDs {
		settled[id] = true
	}
	for _, run := range runs {
		if run.Operation != ex.op || settled[run.ID] {
			continue
		}
		switch run.Status {
		case engine.RunStatusSucceeded:
			return true, s.succeed(ctx, cr, ex, run.ID)
		case engine.RunStatusFatalError:
			cause := engine.NewExecutionError(false, fmt.Sprintf("%s run %s failed", run.Operation, run.ID), nil)
			return true, s.transition(ctx, cr, engine.StateFailed, ex.actor, cause, func(next *engine.ChangeRequest) {
				next.RunIDs = appendUnique(next.RunIDs, run.ID)
				next.LockHolder = ""
			})
		}
	}

	if !ex.replan {
		return false, nil
	}
	return s.checkDrift(ctx, cr, ex)
}

// checkDrift re-plans a resumed execution. A plan that no longer matches
// the approved fingerprint sends the request back to gated with a failing
// verdict; the approval is void.
func (s *Service) checkDrift(ctx context.Context, cr *engine.ChangeRequest, ex execution) (bool, error) {
	outcome, err := s.dispatch(ctx, cr, engine.OperationPlan, "")
	if err != nil {
		return false, err
	}
	switch outcome.Status {
	case engine.RunStatusSucceeded:
	case engine.RunStatusUnknown:
		return false, outcome.Err
	default:
		return true, s.transition(ctx, cr, engine.StateFailed, ex.actor, outcome.Err, appendRuns(outcome))
	}

	if outcome.PlanFingerprint == cr.PlanFingerprint {
		return false, nil
	}

	drift := engine.NewPlanDrift(cr.PlanFingerprint, outcome.PlanFingerprint)
	now := s.clock.Now()
	earlier, err := s.dispatcher.Runs().List(ctx, cr.ID)
	if err != nil {
		return false, err
	}
	err = s.transition(ctx, cr, engine.StateGated, "", drift, func(next *engine.ChangeRequest) {
		for _, run := range earlier {
			next.RunIDs = appendUnique(next.RunIDs, run.ID)
		}
		next.Verdict = engine.VerdictFail
		next.Failure = failureOf(drift, now)
		next.ChangesSummary = outcome.ChangesSummary
		next.ApproverID = ""
		next.Approval = nil
		next.LockHolder = ""
	})
	if err != nil {
		return true, err
	}
	return true, drift
}

func (s *Service) recordLock(ctx context.Context, cr *engine.ChangeRequest, kind engine.AuditKind, holder string) {
	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            kind,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		Reasons:         []string{"holder " + holder},
	})
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(append([]string(nil), ids...), id)
}
