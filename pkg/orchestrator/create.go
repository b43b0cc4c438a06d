package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/changeflow/pkg/authz"
	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

// CreateOption configures a new change request.
type CreateOption func(*createOptions)

type createOptions struct {
	overrideApprover string
	lineage          string
}

// WithOverrideApprover attaches the identity that authorizes the intent's
// override tags. The grant applies to this change request only.
func WithOverrideApprover(approverID string) CreateOption {
	return func(o *createOptions) { o.overrideApprover = approverID }
}

// CreateChangeRequest validates and normalizes intent and stores a draft
// change request.
func (s *Service) CreateChangeRequest(ctx context.Context, intent engine.Intent, opts ...CreateOption) (*engine.ChangeRequest, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := s.tracer.Start(ctx, "orchestrator.create")
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.validateIntent(intent); err != nil {
		return nil, err
	}
	normalized, err := s.resolver.Catalog().Normalize(intent)
	if err != nil {
		return nil, err
	}
	if o.overrideApprover != "" {
		if err = s.authorizeOverride(ctx, normalized, o.overrideApprover); err != nil {
			return nil, err
		}
	}

	fp, err := engine.Fingerprint(normalized)
	if err != nil {
		return nil, engine.NewInternalError("failed to fingerprint intent", err)
	}

	now := s.clock.Now()
	cr := &engine.ChangeRequest{
		ID:                 s.newID(),
		TenantID:           normalized.TenantID,
		WorkspaceID:        normalized.WorkspaceID,
		Intent:             normalized,
		IntentFingerprint:  fp,
		State:              engine.StateDraft,
		OverrideApproverID: o.overrideApprover,
		LineageID:          o.lineage,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err = s.crs.create(ctx, cr); err != nil {
		return nil, err
	}

	s.record(ctx, &engine.AuditRecord{
		TenantID:        cr.TenantID,
		Kind:            engine.AuditCreated,
		ChangeRequestID: cr.ID,
		WorkspaceID:     cr.WorkspaceID,
		ActorID:         normalized.RequesterID,
		ToState:         engine.StateDraft,
	})
	s.metrics.RecordChangeRequestCreated(normalized.Purpose)
	s.log(cr).Info().
		Str("purpose", normalized.Purpose).
		Str("lineage_id", cr.LineageID).
		Msg("change request created")
	return cr, nil
}

// Amend creates a new change request from an earlier one whose intent is
// patched with an RFC 7386 merge patch. Only requests that can no longer
// proceed (failed, cancelled or gated with a failing verdict) can be
// amended; the new request references the old one as its lineage. An
// override grant on the original does not carry over: pass
// WithOverrideApprover to grant one on the amendment.
func (s *Service) Amend(ctx context.Context, id string, patch json.RawMessage, requesterID string, opts ...CreateOption) (*engine.ChangeRequest, error) {
	orig, err := s.crs.get(ctx, id)
	if err != nil {
		return nil, err
	}
	amendable := orig.State == engine.StateFailed || orig.State == engine.StateCancelled ||
		(orig.State == engine.StateGated && orig.Verdict == engine.VerdictFail)
	if !amendable {
		return nil, engine.NewInvalidTransition(orig.State, "amend")
	}

	base, err := json.Marshal(orig.Intent)
	if err != nil {
		return nil, engine.NewInternalError("failed to encode intent", err)
	}
	merged := base
	if len(patch) > 0 {
		if merged, err = jsonpatch.MergePatch(base, patch); err != nil {
			return nil, engine.NewValidationError("invalid amendment", err.Error())
		}
	}

	var intent engine.Intent
	if err := json.Unmarshal(merged, &intent); err != nil {
		return nil, engine.NewValidationError("amendment does not produce a valid intent", err.Error())
	}
	if intent.TenantID != orig.TenantID || intent.WorkspaceID != orig.WorkspaceID {
		return nil, engine.NewValidationError("an amendment cannot move a change request to another tenant or workspace")
	}
	if requesterID != "" {
		intent.RequesterID = requesterID
	}

	opts = append(opts, func(o *createOptions) { o.lineage = orig.ID })
	return s.CreateChangeRequest(ctx, intent, opts...)
}

func (s *Service) validateIntent(intent engine.Intent) error {
	err := s.validate.Struct(intent)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewValidationError("invalid intent", err.Error())
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	sort.Strings(reasons)
	return engine.NewValidationError("invalid intent", reasons...)
}

func (s *Service) authorizeOverride(ctx context.Context, intent engine.Intent, approverID string) error {
	if approverID == intent.RequesterID {
		return engine.NewUnauthorized(approverID, string(authz.ActionOverride)).
			WithReasons("requesters cannot authorize overrides of their own change requests")
	}
	return s.authz.Authorize(ctx, authz.Request{
		Subject:   approverID,
		TenantID:  intent.TenantID,
		Workspace: intent.WorkspaceID,
		Action:    authz.ActionOverride,
	})
}
