package blueprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/stores"
)

const (
	recordPrefix   = "bp/"
	indexPrefix    = "idx/bp/"
	sequencePrefix = "seq/bp/"
	payloadPrefix  = "payload/"

	// PayloadScheme prefixes content-addressed payload references.
	PayloadScheme = "payload://"

	maxCASAttempts = 8
)

// Repository persists blueprints, their lookup index and payloads.
type Repository struct {
	kv stores.KV
}

// NewRepository creates a repository over kv.
func NewRepository(kv stores.KV) *Repository {
	return &Repository{kv: kv}
}

func recordKey(id string) string { return recordPrefix + id }

func purposeIndexPrefix(tenantID, purpose string) string {
	return indexPrefix + tenantID + "/" + purpose + "/"
}

func signatureIndexPrefix(tenantID, purpose, signature string) string {
	return purposeIndexPrefix(tenantID, purpose) + signature + "/"
}

// Create assigns the next version for the blueprint's tenant and purpose,
// then stores the record and its index entry.
func (r *Repository) Create(ctx context.Context, bp *engine.Blueprint) error {
	version, err := r.nextVersion(ctx, bp.TenantID, bp.Purpose)
	if err != nil {
		return err
	}
	bp.Version = version

	data, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("failed to encode blueprint: %w", err)
	}
	rv, err := r.kv.PutIfVersion(ctx, recordKey(bp.ID), data, 0)
	if errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewConflictError("blueprint already exists", err).WithResource(bp.ID)
	}
	if err != nil {
		return engine.NewInternalError("failed to store blueprint", err).WithResource(bp.ID)
	}
	bp.RecordVersion = rv

	idx := signatureIndexPrefix(bp.TenantID, bp.Purpose, bp.Signature) + bp.ID
	if _, err := r.kv.PutIfVersion(ctx, idx, []byte(bp.ID), 0); err != nil && !errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewInternalError("failed to index blueprint", err).WithResource(bp.ID)
	}
	return nil
}

func (r *Repository) nextVersion(ctx context.Context, tenantID, purpose string) (int, error) {
	key := sequencePrefix + tenantID + "/" + purpose
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			current  int
			expected int64
		)
		rec, err := r.kv.Get(ctx, key)
		switch {
		case errors.Is(err, stores.ErrNotFound):
		case err != nil:
			return 0, engine.NewInternalError("failed to read blueprint sequence", err)
		default:
			if err := json.Unmarshal(rec.Value, &current); err != nil {
				return 0, engine.NewInternalError("corrupt blueprint sequence", err).WithResource(key)
			}
			expected = rec.Version
		}

		next := current + 1
		_, err = r.kv.PutIfVersion(ctx, key, []byte(fmt.Sprint(next)), expected)
		if errors.Is(err, stores.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return 0, engine.NewInternalError("failed to advance blueprint sequence", err)
		}
		return next, nil
	}
	return 0, engine.NewConflictError("blueprint sequence contended", stores.ErrVersionConflict).WithResource(key)
}

// Get loads a blueprint by id.
func (r *Repository) Get(ctx context.Context, id string) (*engine.Blueprint, error) {
	rec, err := r.kv.Get(ctx, recordKey(id))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFound("blueprint", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read blueprint", err).WithResource(id)
	}
	return decodeBlueprint(rec)
}

// FindBySignature returns every blueprint of a tenant and purpose with the
// given signature, promoted or not.
func (r *Repository) FindBySignature(ctx context.Context, tenantID, purpose, signature string) ([]*engine.Blueprint, error) {
	return r.listIndex(ctx, signatureIndexPrefix(tenantID, purpose, signature))
}

// ListByPurpose returns every blueprint of a tenant and purpose.
func (r *Repository) ListByPurpose(ctx context.Context, tenantID, purpose string) ([]*engine.Blueprint, error) {
	return r.listIndex(ctx, purposeIndexPrefix(tenantID, purpose))
}

func (r *Repository) listIndex(ctx context.Context, prefix string) ([]*engine.Blueprint, error) {
	recs, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, engine.NewInternalError("failed to list blueprint index", err)
	}
	out := make([]*engine.Blueprint, 0, len(recs))
	for _, rec := range recs {
		bp, err := r.Get(ctx, string(rec.Value))
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, nil
}

// Modify applies fn to the stored blueprint and writes it back, retrying on
// version conflicts. fn returns false to skip the write.
func (r *Repository) Modify(ctx context.Context, id string, fn func(*engine.Blueprint) (bool, error)) (*engine.Blueprint, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		bp, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := fn(bp)
		if err != nil {
			return nil, err
		}
		if !changed {
			return bp, nil
		}

		data, err := json.Marshal(bp)
		if err != nil {
			return nil, fmt.Errorf("failed to encode blueprint: %w", err)
		}
		rv, err := r.kv.PutIfVersion(ctx, recordKey(id), data, bp.RecordVersion)
		if errors.Is(err, stores.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, engine.NewInternalError("failed to update blueprint", err).WithResource(id)
		}
		bp.RecordVersion = rv
		return bp, nil
	}
	return nil, engine.NewConflictError("blueprint changed concurrently", stores.ErrVersionConflict).WithResource(id)
}

// PutPayload stores data content-addressed and returns its reference.
// Storing identical content twice is a no-op.
func (r *Repository) PutPayload(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := "sha256:" + hex.EncodeToString(sum[:])
	_, err := r.kv.PutIfVersion(ctx, payloadPrefix+digest, data, 0)
	if err != nil && !errors.Is(err, stores.ErrVersionConflict) {
		return "", engine.NewInternalError("failed to store payload", err)
	}
	return PayloadScheme + digest, nil
}

// GetPayload loads a payload by reference.
func (r *Repository) GetPayload(ctx context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, PayloadScheme) {
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported payload reference: %s", ref))
	}
	rec, err := r.kv.Get(ctx, payloadPrefix+strings.TrimPrefix(ref, PayloadScheme))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFound("payload", ref)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read payload", err).WithResource(ref)
	}
	return rec.Value, nil
}

func decodeBlueprint(rec *stores.Record) (*engine.Blueprint, error) {
	bp := &engine.Blueprint{}
	if err := json.Unmarshal(rec.Value, bp); err != nil {
		return nil, engine.NewInternalError("corrupt blueprint record", err).WithResource(rec.Key)
	}
	bp.StructuralParams = NormalizeParams(bp.StructuralParams)
	bp.AdjustableParams = NormalizeParams(bp.AdjustableParams)
	bp.RecordVersion = rec.Version
	return bp, nil
}
