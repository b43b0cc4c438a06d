package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

// transition moves cr to state to, applying mutate to the written copy. The
// write is conditional on the version cr was loaded at; on success cr is
// replaced by what was written and the transition is audited.
func (s *Service) transition(ctx context.Context, cr *engine.ChangeRequest, to engine.ChangeState, actor string, cause error, mutate func(*engine.ChangeRequest)) error {
	from := cr.State
	if !from.CanTransition(to) {
		return engine.NewInvalidTransition(from, string(to))
	}

	base := cr
	for attempt := 0; ; attempt++ {
		next := *base
		if mutate != nil {
			mutate(&next)
		}
		next.State = to
		next.UpdatedAt = s.clock.Now()
		if cause != nil && (to == engine.StateFailed || to == engine.StateCancelled) && next.Failure == nil {
			next.Failure = failureOf(cause, next.UpdatedAt)
		}

		err := s.crs.update(ctx, &next)
		if err == nil {
			*cr = next
			break
		}
		if !engine.IsConflict(err) {
			return err
		}
		// Flag updates such as a cancel request do not change the state;
		// the transition is re-applied on top of them. A state change by
		// someone else means the caller lost the race.
		current, getErr := s.crs.get(ctx, cr.ID)
		if getErr != nil || current.State != from || attempt >= maxWriteAttempts {
			return s.explainConflict(ctx, cr.ID, err)
		}
		base = current
	}

	rec := &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditTransition,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		ActorID:         actorFor(cr, actor),
		FromState:       from,
		ToState:         to,
		BlueprintID:     cr.BlueprintID,
	}
	if cause != nil {
		rec.ErrorCode = engine.CodeOf(cause)
		rec.Reasons = engine.ReasonsOf(cause)
	}
	s.record(ctx, rec)

	s.metrics.RecordTransition(string(from), string(to))
	s.log(cr).Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("change request transitioned")

	event := telemetry.Event{
		Type:            telemetry.EventTypeTransition,
		TenantID:        cr.TenantID,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		From:            string(from),
		To:              string(to),
	}
	s.events.Publish(event)
	switch to {
	case engine.StateAwaitingApproval:
		event.Type = telemetry.EventTypeAwaitingApproval
		s.events.Publish(event)
	case engine.StateFailed:
		event.Type = telemetry.EventTypeFailed
		if cr.Failure != nil {
			event.Message = cr.Failure.Message
		}
		s.events.Publish(event)
	}
	return nil
}

// log returns the service logger tagged with cr's identity.
func (s *Service) log(cr *engine.ChangeRequest) *zerolog.Logger {
	l := telemetry.WithChangeRequest(s.logger, cr.TenantID, cr.WorkspaceID, cr.ID)
	return &l
}

// maxWriteAttempts bounds re-application of a write over concurrent
// flag updates.
const maxWriteAttempts = 3

// explainConflict turns a lost write race into the most useful error: a
// request cancelled underneath the caller reports CANCELLED.
func (s *Service) explainConflict(ctx context.Context, id string, err error) error {
	current, getErr := s.crs.get(ctx, id)
	if getErr == nil && current.State == engine.StateCancelled {
		return engine.NewCancelled(id)
	}
	return err
}

// record appends an audit record. Audit failures are logged and counted;
// the state change they describe has already been committed.
func (s *Service) record(ctx context.Context, rec *engine.AuditRecord) {
	if err := s.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.metrics.RecordError(engine.CodeOf(err))
		s.logger.Error().Err(err).
			Str("change_request_id", rec.ChangeRequestID).
			Str("kind", string(rec.Kind)).
			Msg("failed to append audit record")
	}
}

// recordError audits an error that did not change state.
func (s *Service) recordError(ctx context.Context, cr *engine.ChangeRequest, actor string, err error) {
	s.metrics.RecordError(engine.CodeOf(err))
	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditError,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		ActorID:         actorFor(cr, actor),
		FromState:       cr.State,
		ToState:         cr.State,
		ErrorCode:       engine.CodeOf(err),
		Reasons:         engine.ReasonsOf(err),
	})
}

// actorFor attributes work nobody else asked for to the requester it is
// done on behalf of.
func actorFor(cr *engine.ChangeRequest, actor string) string {
	if actor == "" {
		return cr.Intent.RequesterID
	}
	return actor
}

func failureOf(err error, at time.Time) *engine.Failure {
	f := &engine.Failure{Code: engine.CodeOf(err), Message: err.Error(), At: at}
	if e, ok := engine.AsEngineError(err); ok {
		f.Message = e.Message
		f.Reasons = append([]string(nil), e.Reasons...)
	}
	return f
}
