package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisNamespace = "changeflow"

// RedisOption is a functional option for configuring the Redis store.
type RedisOption func(*RedisStore)

// WithRedisNamespace sets the key namespace prefix for Redis keys.
func WithRedisNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// RedisStore implements Store on Redis. Records live in hashes with a
// version field; a sorted set indexes keys lexicographically for prefix
// listing. Audit entries go to one stream per tenant.
type RedisStore struct {
	client    redis.UniversalClient
	url       string
	namespace string
	now       func() time.Time
}

// putScript atomically compares the stored version and writes the record.
// KEYS: record hash, key index. ARGV: value, expected, updated_at, key.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local expected = tonumber(ARGV[2])
if cur == false then
  if expected ~= 0 then return -1 end
elseif tonumber(cur) ~= expected then
  return -1
end
local nv = expected + 1
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', nv, 'ts', ARGV[3])
redis.call('ZADD', KEYS[2], 0, ARGV[4])
return nv
`)

// deleteScript removes a record when its version matches.
// Returns 1 on delete, 0 when missing, -1 on version mismatch.
var deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if cur == false then return 0 end
if tonumber(cur) ~= tonumber(ARGV[1]) then return -1 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// NewRedisStore creates a Redis-backed store.
// redisURL should be a valid Redis URL (e.g., "redis://localhost:6379/0").
func NewRedisStore(redisURL string, opts ...RedisOption) (*RedisStore, error) {
	if _, err := redis.ParseURL(redisURL); err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	s := &RedisStore{
		url:       redisURL,
		namespace: defaultRedisNamespace,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		namespace: defaultRedisNamespace,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init connects to Redis and verifies connectivity.
func (s *RedisStore) Init(ctx context.Context) error {
	if s.client == nil {
		redisOpts, err := redis.ParseURL(s.url)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		s.client = redis.NewClient(redisOpts)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Migrate is a no-op; Redis needs no schema.
func (s *RedisStore) Migrate(context.Context) error { return nil }

// Close closes the client.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) recordKey(key string) string { return s.namespace + ":kv:" + key }
func (s *RedisStore) indexKey() string            { return s.namespace + ":kv:index" }
func (s *RedisStore) auditSeqKey() string         { return s.namespace + ":audit:seq" }
func (s *RedisStore) auditStream(tenant string) string {
	return s.namespace + ":audit:" + tenant
}

// Get returns the record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisRecord(key, fields)
}

// PutIfVersion writes value when the stored version equals expected.
func (s *RedisStore) PutIfVersion(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	v, err := putScript.Run(ctx, s.client,
		[]string{s.recordKey(key), s.indexKey()},
		value, expected, s.now().Format(timeLayout), key,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("writing record %s: %w", key, err)
	}
	if v < 0 {
		return 0, ErrVersionConflict
	}
	return v, nil
}

// DeleteIfVersion removes key when the stored version equals expected.
func (s *RedisStore) DeleteIfVersion(ctx context.Context, key string, expected int64) error {
	v, err := deleteScript.Run(ctx, s.client,
		[]string{s.recordKey(key), s.indexKey()},
		expected, key,
	).Int64()
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", key, err)
	}
	switch v {
	case 0:
		return ErrNotFound
	case -1:
		return ErrVersionConflict
	}
	return nil
}

// List returns records under prefix ordered by key.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Deleted between the index read and the fetch.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// AppendAudit adds entry to the tenant's stream with a global sequence number.
func (s *RedisStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	seq, err := s.client.Incr(ctx, s.auditSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("allocating audit sequence: %w", err)
	}
	entry.Sequence = seq

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.auditStream(entry.TenantID),
		Values: map[string]interface{}{"entry": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// QueryAudit reads the tenant's stream and filters it.
func (s *RedisStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	msgs, err := s.client.XRange(ctx, s.auditStream(q.TenantID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("reading audit stream: %w", err)
	}

	entries := make([]*AuditEntry, 0)
	for _, msg := range msgs {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			return nil, fmt.Errorf("audit stream message %s has no entry", msg.ID)
		}
		entry := &AuditEntry{}
		if err := json.Unmarshal([]byte(raw), entry); err != nil {
			return nil, fmt.Errorf("unmarshaling audit entry %s: %w", msg.ID, err)
		}
		if !q.Matches(entry) {
			continue
		}
		entries = append(entries, entry)
		if q.Limit > 0 && len(entries) >= q.Limit {
			break
		}
	}
	return entries, nil
}

func decodeRedisRecord(key string, fields map[string]string) (*Record, error) {
	version, err := strconv.ParseInt(fields["ver"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("record %s has invalid version: %w", key, err)
	}
	updatedAt, err := time.Parse(timeLayout, fields["ts"])
	if err != nil {
		return nil, fmt.Errorf("record %s has invalid timestamp: %w", key, err)
	}
	return &Record{
		Key:       key,
		Value:     []byte(fields["v"]),
		Version:   version,
		UpdatedAt: updatedAt,
	}, nil
}
