package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/stores"
)

const (
	crPrefix      = "cr/"
	crIndexPrefix = "idx/cr-ws/"
)

func crKey(id string) string { return crPrefix + id }

func workspaceIndexPrefix(tenantID, workspaceID string) string {
	return crIndexPrefix + tenantID + "/" + workspaceID + "/"
}

// changeRequests persists change requests. Every write is a
// put-if-version against the version the caller loaded.
type changeRequests struct {
	kv stores.KV
}

func (s *changeRequests) create(ctx context.Context, cr *engine.ChangeRequest) error {
	if err := s.put(ctx, cr, 0); err != nil {
		return err
	}
	key := workspaceIndexPrefix(cr.TenantID, cr.WorkspaceID) + cr.ID
	if _, err := s.kv.PutIfVersion(ctx, key, []byte(cr.ID), 0); err != nil && !errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewInternalError("failed to index change request", err).WithResource(cr.ID)
	}
	return nil
}

func (s *changeRequests) update(ctx context.Context, cr *engine.ChangeRequest) error {
	return s.put(ctx, cr, cr.Version)
}

func (s *changeRequests) get(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	rec, err := s.kv.Get(ctx, crKey(id))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFound("change request", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read change request", err).WithResource(id)
	}
	cr := &engine.ChangeRequest{}
	if err := json.Unmarshal(rec.Value, cr); err != nil {
		return nil, engine.NewInternalError("corrupt change request record", err).WithResource(id)
	}
	cr.Version = rec.Version
	return cr, nil
}

func (s *changeRequests) listByWorkspace(ctx context.Context, tenantID, workspaceID string) ([]*engine.ChangeRequest, error) {
	prefix := workspaceIndexPrefix(tenantID, workspaceID)
	recs, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, engine.NewInternalError("failed to list change requests", err)
	}
	out := make([]*engine.ChangeRequest, 0, len(recs))
	for _, rec := range recs {
		cr, err := s.get(ctx, strings.TrimPrefix(rec.Key, prefix))
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

func (s *changeRequests) put(ctx context.Context, cr *engine.ChangeRequest, expected int64) error {
	data, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("marshaling change request: %w", err)
	}
	version, err := s.kv.PutIfVersion(ctx, crKey(cr.ID), data, expected)
	if errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewConflictError("change request was modified concurrently", err).WithResource(cr.ID)
	}
	if err != nil {
		return engine.NewInternalError("failed to write change request", err).WithResource(cr.ID)
	}
	cr.Version = version
	return nil
}
