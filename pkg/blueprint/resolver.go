package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

// Resolution is the outcome of resolving an intent.
type Resolution struct {
	// Blueprint is the reused or freshly drafted blueprint.
	Blueprint *engine.Blueprint

	// Reused is true when Blueprint is an existing policy-passed blueprint.
	Reused bool

	// AdjustableDiff lists differences between the stored and requested
	// adjustable params. Empty for drafts.
	AdjustableDiff []engine.ParamChange
}

// Resolver finds a reusable blueprint for an intent or drafts a new one.
type Resolver struct {
	catalog *Catalog
	repo    *Repository
	clock   engine.Clock
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	newID   func() string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock sets the resolver clock.
func WithClock(c engine.Clock) ResolverOption {
	return func(r *Resolver) { r.clock = c }
}

// WithLogger sets the resolver logger.
func WithLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l.With().Str("component", "blueprint-resolver").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver.
func NewResolver(catalog *Catalog, repo *Repository, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		catalog: catalog,
		repo:    repo,
		clock:   engine.SystemClock{},
		logger:  zerolog.Nop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the resolver's catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Repository returns the resolver's repository.
func (r *Resolver) Repository() *Repository { return r.repo }

// Resolve returns the best policy-passed blueprint matching the intent's
// signature, or drafts a new one from the catalog. Resolution has no effect
// on usage counts; see ConfirmReuse.
func (r *Resolver) Resolve(ctx context.Context, intent engine.Intent) (*Resolution, error) {
	intent, err := r.catalog.Normalize(intent)
	if err != nil {
		return nil, err
	}

	signature, err := Signature(intent.Purpose, intent.StructuralParams)
	if err != nil {
		return nil, engine.NewInternalError("failed to compute signature", err)
	}

	candidates, err := r.repo.FindBySignature(ctx, intent.TenantID, intent.Purpose, signature)
	if err != nil {
		return nil, err
	}
	if best := pickReusable(candidates); best != nil {
		diff, err := AdjustableDiff(best.AdjustableParams, intent.AdjustableParams)
		if err != nil {
			return nil, engine.NewInternalError("failed to diff adjustable params", err)
		}
		r.metrics.RecordBlueprintResolution(intent.Purpose, "reused")
		r.logger.Debug().
			Str("tenant_id", intent.TenantID).
			Str("purpose", intent.Purpose).
			Str("blueprint_id", best.ID).
			Int("changes", len(diff)).
			Msg("resolved reusable blueprint")
		return &Resolution{Blueprint: best, Reused: true, AdjustableDiff: diff}, nil
	}

	bp, err := r.draft(ctx, intent, signature)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordBlueprintResolution(intent.Purpose, "drafted")
	r.logger.Info().
		Str("tenant_id", intent.TenantID).
		Str("purpose", intent.Purpose).
		Str("blueprint_id", bp.ID).
		Int("version", bp.Version).
		Msg("drafted blueprint")
	return &Resolution{Blueprint: bp}, nil
}

// pickReusable returns the policy-passed candidate with the highest usage
// count, then the most recent approval, then the smallest id.
func pickReusable(candidates []*engine.Blueprint) *engine.Blueprint {
	eligible := make([]*engine.Blueprint, 0, len(candidates))
	for _, bp := range candidates {
		if bp.PolicyPassed {
			eligible = append(eligible, bp)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		at, bt := approvedAt(a), approvedAt(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})
	return eligible[0]
}

func (r *Resolver) draft(ctx context.Context, intent engine.Intent, signature string) (*engine.Blueprint, error) {
	payload, blocks, err := r.catalog.Compose(intent.Purpose, intent.StructuralParams, intent.AdjustableParams)
	if err != nil {
		return nil, err
	}
	ref, err := r.repo.PutPayload(ctx, payload)
	if err != nil {
		return nil, err
	}

	bp := &engine.Blueprint{
		ID:               r.newID(),
		TenantID:         intent.TenantID,
		Purpose:          intent.Purpose,
		Signature:        signature,
		SourceRef:        ref,
		Blocks:           blocks,
		StructuralParams: intent.StructuralParams,
		AdjustableParams: intent.AdjustableParams,
		CreatedBy:        intent.RequesterID,
		CreatedAt:        r.clock.Now(),
	}
	if err := r.repo.Create(ctx, bp); err != nil {
		return nil, err
	}
	return bp, nil
}

// ConfirmReuse increments the usage count of a reused blueprint. Callers
// invoke it exactly once per change request, after reuse is confirmed.
func (r *Resolver) ConfirmReuse(ctx context.Context, blueprintID string) (*engine.Blueprint, error) {
	return r.repo.Modify(ctx, blueprintID, func(bp *engine.Blueprint) (bool, error) {
		if !bp.PolicyPassed {
			return false, engine.NewValidationError("only policy-passed blueprints can be reused").
				WithResource(bp.ID)
		}
		bp.UsageCount++
		return true, nil
	})
}

// Promote marks a blueprint policy-passed on behalf of the change request
// whose gate run passed. Promoting an already promoted blueprint is a no-op.
func (r *Resolver) Promote(ctx context.Context, blueprintID, changeRequestID string) (*engine.Blueprint, error) {
	bp, err := r.repo.Modify(ctx, blueprintID, func(bp *engine.Blueprint) (bool, error) {
		if bp.PolicyPassed {
			return false, nil
		}
		now := r.clock.Now()
		bp.PolicyPassed = true
		bp.ApprovedBy = changeRequestID
		bp.ApprovedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("blueprint_id", bp.ID).
		Str("change_request_id", changeRequestID).
		Msg("blueprint promoted")
	return bp, nil
}

// RenderPayload returns the runner payload for a blueprint as requested by
// intent: the stored document with the request's adjustable params and tags
// overlaid.
func (r *Resolver) RenderPayload(ctx context.Context, bp *engine.Blueprint, intent engine.Intent) (json.RawMessage, error) {
	stored, err := r.repo.GetPayload(ctx, bp.SourceRef)
	if err != nil {
		return nil, err
	}
	overlay, err := json.Marshal(map[string]interface{}{
		"blueprint_id": bp.ID,
		"variables":    NormalizeParams(intent.AdjustableParams),
		"tags":         intent.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload overlay: %w", err)
	}
	doc, err := jsonpatch.MergePatch(stored, overlay)
	if err != nil {
		return nil, engine.NewInternalError("failed to render payload", err).WithResource(bp.ID)
	}
	return doc, nil
}

func approvedAt(bp *engine.Blueprint) time.Time {
	if bp.ApprovedAt != nil {
		return *bp.ApprovedAt
	}
	return time.Time{}
}
