// Package lock grants exclusive, lease-based execution rights per workspace.
//
// Locks are stored as records under "lock/<workspace>" and mutated only
// through the store's put-if-version primitive, so two managers sharing a
// store never both believe they hold the same workspace.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/stores"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

const (
	// DefaultLease is used when Acquire or Renew is called without a lease.
	DefaultLease = 5 * time.Minute

	keyPrefix = "lock/"

	// maxCASAttempts bounds read-modify-write loops on version conflicts
	// caused by the same holder racing with itself.
	maxCASAttempts = 3
)

// Manager is the workspace lock manager.
type Manager struct {
	kv      stores.KV
	clock   engine.Clock
	lease   time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for lease arithmetic.
func WithClock(c engine.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDefaultLease overrides DefaultLease.
func WithDefaultLease(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "lock-manager").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a lock manager over kv.
func NewManager(kv stores.KV, opts ...Option) *Manager {
	m := &Manager{
		kv:     kv,
		clock:  engine.SystemClock{},
		lease:  DefaultLease,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the store key of a workspace lock.
func Key(workspaceID string) string { return keyPrefix + workspaceID }

// Acquire grants the workspace to holder for lease. It fails with a
// LOCK_CONFLICT error while another holder has a live lease. An expired
// lease is taken over and the returned lock names the previous holder in
// RecoveredFrom; the caller must reconcile that holder's in-flight run
// before mutating the workspace. Re-acquiring a live lock by its own
// holder renews it.
func (m *Manager) Acquire(ctx context.Context, tenantID, workspaceID, holder string, lease time.Duration) (*engine.WorkspaceLock, error) {
	if workspaceID == "" || holder == "" {
		return nil, engine.NewValidationError("workspace id and holder are required")
	}
	if lease <= 0 {
		lease = m.lease
	}

	now := m.clock.Now()
	current, err := m.Get(ctx, workspaceID)
	switch {
	case engine.IsNotFound(err):
		lock := &engine.WorkspaceLock{
			WorkspaceID: workspaceID,
			TenantID:    tenantID,
			Holder:      holder,
			AcquiredAt:  now,
			RenewedAt:   now,
			ExpiresAt:   now.Add(lease),
		}
		if err := m.write(ctx, lock, 0); err != nil {
			return nil, m.conflictOrErr(ctx, workspaceID, err)
		}
		m.acquired(lock, "acquired")
		return lock, nil

	case err != nil:
		return nil, err
	}

	if current.Live(now) {
		if current.Holder == holder {
			return m.Renew(ctx, workspaceID, holder, lease)
		}
		m.metrics.RecordLockAcquisition("conflict")
		return nil, engine.NewLockConflict(workspaceID, current.Holder)
	}

	lock := &engine.WorkspaceLock{
		WorkspaceID:   workspaceID,
		TenantID:      tenantID,
		Holder:        holder,
		AcquiredAt:    now,
		RenewedAt:     now,
		ExpiresAt:     now.Add(lease),
		RecoveredFrom: current.Holder,
	}
	if err := m.write(ctx, lock, current.Version); err != nil {
		return nil, m.conflictOrErr(ctx, workspaceID, err)
	}

	m.logger.Warn().
		Str("workspace_id", workspaceID).
		Str("holder", holder).
		Str("recovered_from", current.Holder).
		Time("expired_at", current.ExpiresAt).
		Msg("took over expired workspace lease")
	m.acquired(lock, "recovered")
	return lock, nil
}

// Renew extends a lease held by holder. A lease that expired but was not
// taken over can still be renewed.
func (m *Manager) Renew(ctx context.Context, workspaceID, holder string, lease time.Duration) (*engine.WorkspaceLock, error) {
	if lease <= 0 {
		lease = m.lease
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := m.Get(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		if current.Holder != holder {
			return nil, engine.NewLockConflict(workspaceID, current.Holder)
		}

		now := m.clock.Now()
		current.RenewedAt = now
		current.ExpiresAt = now.Add(lease)
		err = m.write(ctx, current, current.Version)
		if errors.Is(err, stores.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return current, nil
	}
	return nil, engine.NewConflictError("workspace lock changed during renewal", stores.ErrVersionConflict).
		WithResource(workspaceID)
}

// Release ends holder's lease early. Releasing a lock that is absent is a
// no-op; releasing someone else's lock is a LOCK_CONFLICT.
func (m *Manager) Release(ctx context.Context, workspaceID, holder string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := m.Get(ctx, workspaceID)
		if engine.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Holder != holder {
			return engine.NewLockConflict(workspaceID, current.Holder)
		}

		err = m.kv.DeleteIfVersion(ctx, Key(workspaceID), current.Version)
		switch {
		case errors.Is(err, stores.ErrNotFound):
			return nil
		case errors.Is(err, stores.ErrVersionConflict):
			continue
		case err != nil:
			return engine.NewInternalError("failed to release workspace lock", err).WithResource(workspaceID)
		}

		m.logger.Debug().Str("workspace_id", workspaceID).Str("holder", holder).Msg("released workspace lock")
		return nil
	}
	return engine.NewConflictError("workspace lock changed during release", stores.ErrVersionConflict).
		WithResource(workspaceID)
}

// Get returns the stored lock for a workspace, live or expired.
func (m *Manager) Get(ctx context.Context, workspaceID string) (*engine.WorkspaceLock, error) {
	rec, err := m.kv.Get(ctx, Key(workspaceID))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFound("workspace lock", workspaceID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read workspace lock", err).WithResource(workspaceID)
	}
	return decode(rec)
}

// List returns every stored lock ordered by workspace id.
func (m *Manager) List(ctx context.Context) ([]*engine.WorkspaceLock, error) {
	recs, err := m.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, engine.NewInternalError("failed to list workspace locks", err)
	}
	locks := make([]*engine.WorkspaceLock, 0, len(recs))
	for _, rec := range recs {
		lock, err := decode(rec)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (m *Manager) write(ctx context.Context, lock *engine.WorkspaceLock, expected int64) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshaling workspace lock: %w", err)
	}
	version, err := m.kv.PutIfVersion(ctx, Key(lock.WorkspaceID), data, expected)
	if err != nil {
		return err
	}
	lock.Version = version
	return nil
}

// conflictOrErr turns a lost put-if-version race into a LOCK_CONFLICT
// naming whoever won it.
func (m *Manager) conflictOrErr(ctx context.Context, workspaceID string, err error) error {
	if !errors.Is(err, stores.ErrVersionConflict) {
		return engine.NewInternalError("failed to write workspace lock", err).WithResource(workspaceID)
	}
	m.metrics.RecordLockAcquisition("conflict")
	holder := ""
	if winner, getErr := m.Get(ctx, workspaceID); getErr == nil {
		holder = winner.Holder
	}
	return engine.NewLockConflict(workspaceID, holder)
}

func (m *Manager) acquired(lock *engine.WorkspaceLock, result string) {
	m.metrics.RecordLockAcquisition(result)
	m.logger.Debug().
		Str("workspace_id", lock.WorkspaceID).
		Str("holder", lock.Holder).
		Time("expires_at", lock.ExpiresAt).
		Msg("acquired workspace lock")
}

func decode(rec *stores.Record) (*engine.WorkspaceLock, error) {
	lock := &engine.WorkspaceLock{}
	if err := json.Unmarshal(rec.Value, lock); err != nil {
		return nil, engine.NewInternalError("corrupt workspace lock record", err).WithResource(rec.Key)
	}
	lock.Version = rec.Version
	return lock, nil
}
