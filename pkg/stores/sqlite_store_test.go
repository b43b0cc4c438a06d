package stores

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// storeFactories lists every backend the contract tests run against.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": setupTestStore(t),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{})
	assert.Error(t, err)
}

func TestStoreMigrations_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestKV_PutIfVersion(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "cr/1")
			assert.ErrorIs(t, err, ErrNotFound)

			v1, err := store.PutIfVersion(ctx, "cr/1", []byte(`{"state":"draft"}`), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v1)

			_, err = store.PutIfVersion(ctx, "cr/1", []byte(`{}`), 0)
			assert.ErrorIs(t, err, ErrVersionConflict, "create-only write on existing key")

			v2, err := store.PutIfVersion(ctx, "cr/1", []byte(`{"state":"generated"}`), v1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v2)

			_, err = store.PutIfVersion(ctx, "cr/1", []byte(`{"state":"stale"}`), v1)
			assert.ErrorIs(t, err, ErrVersionConflict)

			rec, err := store.Get(ctx, "cr/1")
			require.NoError(t, err)
			assert.Equal(t, `{"state":"generated"}`, string(rec.Value))
			assert.Equal(t, int64(2), rec.Version)
			assert.False(t, rec.UpdatedAt.IsZero())
		})
	}
}

func TestKV_DeleteIfVersion(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			assert.ErrorIs(t, store.DeleteIfVersion(ctx, "lock/ws", 1), ErrNotFound)

			v, err := store.PutIfVersion(ctx, "lock/ws", []byte(`{}`), 0)
			require.NoError(t, err)

			assert.ErrorIs(t, store.DeleteIfVersion(ctx, "lock/ws", v+1), ErrVersionConflict)
			require.NoError(t, store.DeleteIfVersion(ctx, "lock/ws", v))

			_, err = store.Get(ctx, "lock/ws")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKV_ListPrefix(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"idx/bp/t1/web/b", "idx/bp/t1/web/a", "idx/bp/t2/web/c", "bp/a"} {
				_, err := store.PutIfVersion(ctx, key, []byte(key), 0)
				require.NoError(t, err)
			}

			recs, err := store.List(ctx, "idx/bp/t1/")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "idx/bp/t1/web/a", recs[0].Key)
			assert.Equal(t, "idx/bp/t1/web/b", recs[1].Key)

			recs, err = store.List(ctx, "nothing/")
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestKV_ConcurrentCreateHasOneWinner(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const contenders = 16

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.PutIfVersion(ctx, "lock/ws-1", []byte(fmt.Sprintf("cr-%d", i)), 0)
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestAuditLog_AppendAndQuery(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			entries := []*AuditEntry{
				{ID: "a1", TenantID: "acme", Kind: "change_request.created", ChangeRequestID: "cr-1", WorkspaceID: "ws-1", ActorID: "alice", State: "draft", Timestamp: base},
				{ID: "a2", TenantID: "acme", Kind: "change_request.transition", ChangeRequestID: "cr-1", WorkspaceID: "ws-1", ActorID: "alice", State: "generated", Timestamp: base.Add(time.Minute)},
				{ID: "a3", TenantID: "globex", Kind: "change_request.created", ChangeRequestID: "cr-2", WorkspaceID: "ws-9", ActorID: "bob", State: "draft", Timestamp: base.Add(2 * time.Minute)},
				{ID: "a4", TenantID: "acme", Kind: "change_request.created", ChangeRequestID: "cr-3", WorkspaceID: "ws-2", ActorID: "carol", State: "draft", Timestamp: base.Add(3 * time.Minute)},
			}
			for _, e := range entries {
				e.Payload = []byte(`{"id":"` + e.ID + `"}`)
				require.NoError(t, store.AppendAudit(ctx, e))
				assert.Greater(t, e.Sequence, int64(0))
			}

			all, err := store.QueryAudit(ctx, AuditQuery{TenantID: "acme"})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"a1", "a2", "a4"}, auditIDs(all))
			assert.True(t, all[0].Timestamp.Equal(base))
			assert.JSONEq(t, `{"id":"a1"}`, string(all[0].Payload))

			since := base.Add(30 * time.Second)
			until := base.Add(3 * time.Minute)
			tests := []struct {
				name string
				q    AuditQuery
				want []string
			}{
				{"tenant isolation", AuditQuery{TenantID: "globex"}, []string{"a3"}},
				{"time range", AuditQuery{TenantID: "acme", Since: &since, Until: &until}, []string{"a2"}},
				{"requester", AuditQuery{TenantID: "acme", ActorID: "carol"}, []string{"a4"}},
				{"workspace", AuditQuery{TenantID: "acme", WorkspaceID: "ws-1"}, []string{"a1", "a2"}},
				{"state", AuditQuery{TenantID: "acme", State: "draft"}, []string{"a1", "a4"}},
				{"change request", AuditQuery{TenantID: "acme", ChangeRequestID: "cr-1"}, []string{"a1", "a2"}},
				{"limit", AuditQuery{TenantID: "acme", Limit: 1}, []string{"a1"}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := store.QueryAudit(ctx, tt.q)
					require.NoError(t, err)
					assert.Equal(t, tt.want, auditIDs(got))
				})
			}
		})
	}
}

func TestSQLiteAuditLog_IsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
		ID: "a1", TenantID: "acme", Kind: "error", Timestamp: time.Now(), Payload: []byte(`{}`),
	}))

	_, err := store.db.ExecContext(ctx, `UPDATE audit_log SET kind = 'tampered' WHERE id = 'a1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = 'a1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSQLiteStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changeflow.db")
	ctx := context.Background()

	store, err := Open(ctx, Options{Backend: BackendSQLite, Path: path})
	require.NoError(t, err)
	_, err = store.PutIfVersion(ctx, "cr/1", []byte(`{}`), 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := Open(ctx, Options{Backend: BackendSQLite, Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(ctx, "cr/1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	assert.Error(t, err)
}

func auditIDs(entries []*AuditEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
