package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/stores"
)

const (
	runPrefix      = "run/"
	runIndexPrefix = "idx/run/"
)

// RunKey returns the store key of a run.
func RunKey(id string) string { return runPrefix + id }

func runIndexKey(changeRequestID, runID string) string {
	return runIndexPrefix + changeRequestID + "/" + runID
}

// RunStore persists Run records. Runs are created once and updated in
// place under put-if-version; an index per change request lists them.
type RunStore struct {
	kv stores.KV
}

// NewRunStore creates a run store over kv.
func NewRunStore(kv stores.KV) *RunStore {
	return &RunStore{kv: kv}
}

// Create stores a new run and indexes it under its change request.
func (s *RunStore) Create(ctx context.Context, run *engine.Run) error {
	if err := s.put(ctx, run, 0); err != nil {
		return err
	}
	_, err := s.kv.PutIfVersion(ctx, runIndexKey(run.ChangeRequestID, run.ID), []byte(run.ID), 0)
	if err != nil && !errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewInternalError("failed to index run", err).WithResource(run.ID)
	}
	return nil
}

// Update writes run back at its current version.
func (s *RunStore) Update(ctx context.Context, run *engine.Run) error {
	return s.put(ctx, run, run.Version)
}

// Get loads a run.
func (s *RunStore) Get(ctx context.Context, id string) (*engine.Run, error) {
	rec, err := s.kv.Get(ctx, RunKey(id))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFound("run", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read run", err).WithResource(id)
	}
	return decodeRun(rec)
}

// List returns the runs of a change request ordered by start time.
func (s *RunStore) List(ctx context.Context, changeRequestID string) ([]*engine.Run, error) {
	recs, err := s.kv.List(ctx, runIndexPrefix+changeRequestID+"/")
	if err != nil {
		return nil, engine.NewInternalError("failed to list runs", err).WithResource(changeRequestID)
	}
	runs := make([]*engine.Run, 0, len(recs))
	for _, rec := range recs {
		id := strings.TrimPrefix(rec.Key, runIndexPrefix+changeRequestID+"/")
		run, err := s.Get(ctx, id)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].Attempt < runs[j].Attempt
	})
	return runs, nil
}

// Active returns the runs of a change request still running or unknown.
func (s *RunStore) Active(ctx context.Context, changeRequestID string) ([]*engine.Run, error) {
	runs, err := s.List(ctx, changeRequestID)
	if err != nil {
		return nil, err
	}
	active := runs[:0]
	for _, r := range runs {
		if r.Status.IsActive() {
			active = append(active, r)
		}
	}
	return active, nil
}

func (s *RunStore) put(ctx context.Context, run *engine.Run, expected int64) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	version, err := s.kv.PutIfVersion(ctx, RunKey(run.ID), data, expected)
	if errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewConflictError("run was modified concurrently", err).WithResource(run.ID)
	}
	if err != nil {
		return engine.NewInternalError("failed to write run", err).WithResource(run.ID)
	}
	run.Version = version
	return nil
}

func decodeRun(rec *stores.Record) (*engine.Run, error) {
	run := &engine.Run{}
	if err := json.Unmarshal(rec.Value, run); err != nil {
		return nil, engine.NewInternalError("corrupt run record", err).WithResource(rec.Key)
	}
	run.Version = rec.Version
	return run, nil
}
