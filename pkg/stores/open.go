package stores

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend        string `mapstructure:"backend" validate:"required,oneof=memory sqlite redis"`
	Path           string `mapstructure:"path"`
	RedisURL       string `mapstructure:"redis_url"`
	RedisNamespace string `mapstructure:"redis_namespace"`
}

// Open constructs, initializes and migrates the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch opts.Backend {
	case BackendMemory, "":
		store = NewMemoryStore()
	case BackendSQLite:
		store, err = NewSQLiteStore(SQLiteConfig{Path: opts.Path})
	case BackendRedis:
		store, err = NewRedisStore(opts.RedisURL, WithRedisNamespace(opts.RedisNamespace))
	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", opts.Backend, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", opts.Backend, err)
	}
	return store, nil
}
