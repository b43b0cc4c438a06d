package orchestrator

import (
	"context"
	"fmt"

	"github.com/openfroyo/changeflow/pkg/authz"
	"github.com/openfroyo/changeflow/pkg/engine"
)

// ApproveOption configures an approval.
type ApproveOption func(*approveOptions)

type approveOptions struct {
	gateRunID string
}

// ForGateRun binds the approval to the gate run the approver reviewed. An
// approval for any other gate run is stale.
func ForGateRun(runID string) ApproveOption {
	return func(o *approveOptions) { o.gateRunID = runID }
}

// Approve records approverID's approval of the request's current gate
// results. Requesters cannot approve their own requests. Results that
// expired, or were evaluated against a config or intent that has since
// changed, are re-evaluated and the approval is refused as stale.
func (s *Service) Approve(ctx context.Context, id, approverID string, opts ...ApproveOption) (*engine.ChangeRequest, error) {
	var o approveOptions
	for _, opt := range opts {
		opt(&o)
	}

	cr, err := s.crs.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.State != engine.StateAwaitingApproval {
		return cr, engine.NewInvalidTransition(cr.State, "approve")
	}
	if err := s.authorizeApprover(ctx, cr, approverID, authz.ActionApprove); err != nil {
		s.recordError(ctx, cr, approverID, err)
		return cr, err
	}

	if o.gateRunID != "" && o.gateRunID != cr.GateRunID {
		err := engine.NewApprovalStale(fmt.Sprintf("approval references gate run %s; the current gate run is %s", o.gateRunID, cr.GateRunID))
		s.recordError(ctx, cr, approverID, err)
		return cr, err
	}
	if stale := s.checkFresh(ctx, cr); stale != nil {
		return cr, s.regate(ctx, cr, approverID, stale)
	}

	now := s.clock.Now()
	err = s.transition(ctx, cr, engine.StateApproved, approverID, nil, func(next *engine.ChangeRequest) {
		next.ApproverID = approverID
		next.Approval = &engine.Approval{
			ApproverID:         approverID,
			GateRunID:          next.GateRunID,
			GateSetFingerprint: next.GateSetFingerprint,
			ApprovedAt:         now,
		}
	})
	if err != nil {
		return cr, err
	}
	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditApproval,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		ActorID:         approverID,
		Reasons:         []string{"gate run " + cr.GateRunID},
	})
	return cr, nil
}

func (s *Service) authorizeApprover(ctx context.Context, cr *engine.ChangeRequest, approverID string, action authz.Action) error {
	if approverID == "" {
		return engine.NewUnauthorized("anonymous", string(action))
	}
	if approverID == cr.Intent.RequesterID {
		return engine.NewUnauthorized(approverID, string(action)).
			WithReasons("requesters cannot approve their own change requests")
	}
	return s.authz.Authorize(ctx, authz.Request{
		Subject:   approverID,
		TenantID:  cr.TenantID,
		Workspace: cr.WorkspaceID,
		Action:    action,
	})
}

// checkFresh returns an APPROVAL_STALE error listing why the request's gate
// results, or the approval bound to them, can no longer be relied on.
func (s *Service) checkFresh(ctx context.Context, cr *engine.ChangeRequest) error {
	var reasons []string
	now := s.clock.Now()
	if cr.GateExpiresAt == nil || !now.Before(*cr.GateExpiresAt) {
		reasons = append(reasons, "gate results expired")
	}

	cfg, err := s.configs.TargetConfig(ctx, cr.Intent.TargetConfigID)
	switch {
	case err != nil:
		reasons = append(reasons, fmt.Sprintf("target config %s is unavailable: %v", cr.Intent.TargetConfigID, err))
	case cfg.Version != cr.ConfigVersion:
		reasons = append(reasons, fmt.Sprintf("target config %s changed since gating", cr.Intent.TargetConfigID))
	}

	fp, err := engine.Fingerprint(cr.Intent)
	if err != nil || fp != cr.IntentFingerprint {
		reasons = append(reasons, "intent changed since gating")
	}

	if cr.State == engine.StateApproved {
		a := cr.Approval
		if a == nil || a.GateRunID != cr.GateRunID || a.GateSetFingerprint != cr.GateSetFingerprint {
			reasons = append(reasons, "approval does not match the current gate results")
		}
	}

	if len(reasons) == 0 {
		return nil
	}
	return engine.NewApprovalStale(reasons...).WithResource(cr.ID)
}

// regate evaluates the gates again after stale was detected and returns
// stale. The request ends up gated with fresh results and no approval.
func (s *Service) regate(ctx context.Context, cr *engine.ChangeRequest, actor string, stale error) error {
	if err := s.gate(ctx, cr, actor, stale); err != nil && !engine.HasCode(err, engine.ErrCodePolicyViolation) &&
		!engine.HasCode(err, engine.ErrCodeCostExceeded) {
		s.log(cr).Warn().Err(err).Msg("re-gating a stale request failed")
		s.recordError(ctx, cr, actor, err)
	}
	return stale
}

// Cancel cancels a request. Before execution the request is cancelled at
// once; during execution or destruction cancellation is forwarded to the
// runner and the request settles when the run does.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (*engine.ChangeRequest, error) {
	cr, err := s.crs.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case cr.State.IsCancellable():
		cause := engine.NewCancelled(id)
		err := s.transition(ctx, cr, engine.StateCancelled, actorID, cause, func(next *engine.ChangeRequest) {
			next.CancelRequested = true
		})
		if err != nil {
			return cr, err
		}
		s.recordCancel(ctx, cr, actorID)
		s.interrupt(ctx, cr)
		return cr, nil

	case cr.State == engine.StateExecuting || cr.State == engine.StateDestroying:
		cr, err = s.updateFlags(ctx, id, func(next *engine.ChangeRequest) error {
			if next.State != engine.StateExecuting && next.State != engine.StateDestroying {
				return engine.NewInvalidTransition(next.State, "cancel")
			}
			next.CancelRequested = true
			return nil
		})
		if err != nil {
			return cr, err
		}
		s.recordCancel(ctx, cr, actorID)
		s.interrupt(ctx, cr)
		return cr, nil

	default:
		return cr, engine.NewInvalidTransition(cr.State, "cancel")
	}
}

// interrupt stops the request's in-process worker and asks the runner to
// cancel its in-flight run.
func (s *Service) interrupt(ctx context.Context, cr *engine.ChangeRequest) {
	runID, found := s.workers.signal(cr.ID)
	if !found || runID == "" {
		return
	}
	if err := s.dispatcher.Cancel(ctx, runID); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("runner did not accept cancellation")
	}
}

func (s *Service) recordCancel(ctx context.Context, cr *engine.ChangeRequest, actorID string) {
	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditCancelRequested,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		ActorID:         actorID,
		FromState:       cr.State,
		ToState:         cr.State,
	})
}

// RequestDestroy authorizes destruction of an applied request's
// infrastructure. The destroy runs on the next Advance.
func (s *Service) RequestDestroy(ctx context.Context, id, approverID string) (*engine.ChangeRequest, error) {
	cr, err := s.crs.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.State != engine.StateApplied {
		return cr, engine.NewInvalidTransition(cr.State, "destroy")
	}
	if cr.DestroyRequested {
		return cr, nil
	}
	if err := s.authorizeApprover(ctx, cr, approverID, authz.ActionDestroy); err != nil {
		s.recordError(ctx, cr, approverID, err)
		return cr, err
	}

	cr, err = s.updateFlags(ctx, id, func(next *engine.ChangeRequest) error {
		if next.State != engine.StateApplied {
			return engine.NewInvalidTransition(next.State, "destroy")
		}
		next.DestroyRequested = true
		next.DestroyApproverID = approverID
		return nil
	})
	if err != nil {
		return cr, err
	}
	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditDestroyRequested,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		ActorID:         approverID,
	})
	return cr, nil
}

// updateFlags applies fn to the stored request without changing its state,
// retrying over concurrent writes.
func (s *Service) updateFlags(ctx context.Context, id string, fn func(*engine.ChangeRequest) error) (*engine.ChangeRequest, error) {
	for attempt := 0; ; attempt++ {
		cr, err := s.crs.get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := *cr
		if err := fn(&next); err != nil {
			return cr, err
		}
		err = s.crs.update(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !engine.IsConflict(err) || attempt+1 >= maxWriteAttempts {
			return cr, err
		}
	}
}
