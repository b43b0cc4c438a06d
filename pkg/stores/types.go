package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when the expected version does not match.
	ErrVersionConflict = errors.New("record version conflict")
)

// Record is a versioned value in the KV store.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KV is a key-value store with optimistic concurrency. Versions start at 1;
// an expected version of 0 means the key must not exist yet.
type KV interface {
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// PutIfVersion writes value when the stored version equals expected and
	// returns the new version. It returns ErrVersionConflict otherwise.
	PutIfVersion(ctx context.Context, key string, value []byte, expected int64) (int64, error)

	// DeleteIfVersion removes key when the stored version equals expected.
	DeleteIfVersion(ctx context.Context, key string, expected int64) error

	// List returns all records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Record, error)
}

// AuditEntry is the stored form of an audit record. The indexed columns are
// copied out of Payload so backends can filter without decoding it.
type AuditEntry struct {
	Sequence        int64     `json:"sequence"`
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Kind            string    `json:"kind"`
	ChangeRequestID string    `json:"change_request_id,omitempty"`
	WorkspaceID     string    `json:"workspace_id,omitempty"`
	ActorID         string    `json:"actor_id,omitempty"`
	State           string    `json:"state,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Payload         []byte    `json:"payload"`
}

// AuditQuery filters audit reads. TenantID is mandatory; empty fields match all.
type AuditQuery struct {
	TenantID        string
	Since           *time.Time
	Until           *time.Time
	ActorID         string
	WorkspaceID     string
	State           string
	Kind            string
	ChangeRequestID string
	Limit           int
}

// Matches reports whether entry satisfies the query.
func (q AuditQuery) Matches(e *AuditEntry) bool {
	switch {
	case e.TenantID != q.TenantID:
		return false
	case q.Since != nil && e.Timestamp.Before(*q.Since):
		return false
	case q.Until != nil && !e.Timestamp.Before(*q.Until):
		return false
	case q.ActorID != "" && e.ActorID != q.ActorID:
		return false
	case q.WorkspaceID != "" && e.WorkspaceID != q.WorkspaceID:
		return false
	case q.State != "" && e.State != q.State:
		return false
	case q.Kind != "" && e.Kind != q.Kind:
		return false
	case q.ChangeRequestID != "" && e.ChangeRequestID != q.ChangeRequestID:
		return false
	}
	return true
}

// AuditLog is an append-only log. Entries are never updated or deleted.
type AuditLog interface {
	// AppendAudit stores entry and assigns its Sequence.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// QueryAudit returns matching entries in append order.
	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)
}

// Store is a complete persistence backend.
type Store interface {
	KV
	AuditLog

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Utility
	HealthCheck(ctx context.Context) error
}
