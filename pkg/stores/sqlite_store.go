package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
	now func() time.Time
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to ":memory:" opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get retrieves a record by key
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{Key: key}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, updated_at FROM kv WHERE key = ?`, key,
	).Scan(&rec.Value, &rec.Version, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}

	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", key, err)
	}
	return rec, nil
}

// PutIfVersion inserts (expected == 0) or updates (expected > 0) a record.
func (s *SQLiteStore) PutIfVersion(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	now := s.now().Format(timeLayout)

	var (
		result sql.Result
		err    error
	)
	if expected == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, value, now)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE kv SET value = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND version = ?
		`, value, now, key, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to put record %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

// DeleteIfVersion deletes a record when its version matches.
func (s *SQLiteStore) DeleteIfVersion(ctx context.Context, key string, expected int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND version = ?`, key, expected)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrVersionConflict
}

// List returns records whose key starts with prefix, ordered by key.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version, updated_at FROM kv
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec := &Record{}
		var updatedAt string
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at of %s: %w", rec.Key, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// AppendAudit creates a new audit log entry
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, kind, change_request_id, workspace_id, actor_id, state, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.TenantID,
		entry.Kind,
		entry.ChangeRequestID,
		entry.WorkspaceID,
		entry.ActorID,
		entry.State,
		entry.Timestamp.UTC().Format(timeLayout),
		entry.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit sequence: %w", err)
	}

	entry.Sequence = seq
	return nil
}

// QueryAudit lists audit entries for a tenant with optional filters
func (s *SQLiteStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []interface{}{q.TenantID}
	)
	addEq := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	addEq("actor_id", q.ActorID)
	addEq("workspace_id", q.WorkspaceID)
	addEq("state", q.State)
	addEq("kind", q.Kind)
	addEq("change_request_id", q.ChangeRequestID)
	if q.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if q.Until != nil {
		where = append(where, "timestamp < ?")
		args = append(args, q.Until.UTC().Format(timeLayout))
	}

	query := `
		SELECT sequence, id, tenant_id, kind, change_request_id, workspace_id, actor_id, state, timestamp, payload
		FROM audit_log
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY sequence`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts string
		err := rows.Scan(
			&entry.Sequence,
			&entry.ID,
			&entry.TenantID,
			&entry.Kind,
			&entry.ChangeRequestID,
			&entry.WorkspaceID,
			&entry.ActorID,
			&entry.State,
			&ts,
			&entry.Payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
