// Package store persists cache entries. The cache layer owns TTL and LRU
// policy; repositories only execute the primitive operations it needs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no row exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Repository is the persistence contract for cache entries.
type Repository interface {
	Get(ctx context.Context, key string) (*schemas.CacheEntry, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Upsert inserts a new row or refreshes payload, source, encoding and
	// expiry of an existing one, keeping its created_at and hit_count.
	Upsert(ctx context.Context, entry *schemas.CacheEntry) error
	// Touch records a read: increments hit_count and sets last_accessed_at.
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteBySource(ctx context.Context, source string) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
	CountBySource(ctx context.Context) (map[string]int64, error)
	// EvictLRU deletes the n least recently accessed rows.
	EvictLRU(ctx context.Context, n int) (int64, error)
	Close() error
}

// Open constructs the repository selected by cfg.Driver. It is called once
// from the composition root.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(ctx, cfg.Path, logger)
	case "postgres":
		pool, err := connectPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		repo, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
