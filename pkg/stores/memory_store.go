package stores

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-process development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	audit   []*AuditEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Init is a no-op.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Migrate is a no-op.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Get returns a copy of the record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// PutIfVersion writes value when the stored version matches expected.
func (s *MemoryStore) PutIfVersion(_ context.Context, key string, value []byte, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if rec, ok := s.records[key]; ok {
		current = rec.Version
	}
	if current != expected {
		return 0, ErrVersionConflict
	}

	next := current + 1
	s.records[key] = &Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   next,
		UpdatedAt: s.now(),
	}
	return next, nil
}

// DeleteIfVersion removes key when the stored version matches expected.
func (s *MemoryStore) DeleteIfVersion(_ context.Context, key string, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != expected {
		return ErrVersionConflict
	}
	delete(s.records, key)
	return nil
}

// List returns records under prefix ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for key, rec := range s.records {
		if strings.HasPrefix(key, prefix) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// AppendAudit appends entry and assigns the next sequence number.
func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Sequence = int64(len(s.audit) + 1)
	stored := *entry
	stored.Payload = append([]byte(nil), entry.Payload...)
	s.audit = append(s.audit, &stored)
	return nil
}

// QueryAudit returns matching entries in append order.
func (s *MemoryStore) QueryAudit(_ context.Context, q AuditQuery) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AuditEntry, 0)
	for _, e := range s.audit {
		if !q.Matches(e) {
			continue
		}
		c := *e
		c.Payload = append([]byte(nil), e.Payload...)
		out = append(out, &c)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Value = append([]byte(nil), r.Value...)
	return &c
}
