package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the repository can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	pgCreateTable = `CREATE TABLE IF NOT EXISTS review_cache (
		cache_key        TEXT PRIMARY KEY,
		source           TEXT NOT NULL,
		payload          BYTEA NOT NULL,
		encoding         TEXT NOT NULL DEFAULT 'json',
		hit_count        BIGINT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL,
		last_accessed_at TIMESTAMPTZ NOT NULL,
		expires_at       TIMESTAMPTZ NOT NULL
	)`
	pgCreateIndexes = `CREATE INDEX IF NOT EXISTS idx_review_cache_expires_at ON review_cache (expires_at);
		CREATE INDEX IF NOT EXISTS idx_review_cache_last_accessed ON review_cache (last_accessed_at)`

	pgSelectEntry = `SELECT cache_key, source, payload, encoding, hit_count, created_at, last_accessed_at, expires_at
		FROM review_cache WHERE cache_key = $1`
	pgExists = `SELECT EXISTS (SELECT 1 FROM review_cache WHERE cache_key = $1)`
	pgUpsert = `INSERT INTO review_cache (cache_key, source, payload, encoding, hit_count, created_at, last_accessed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cache_key) DO UPDATE SET
			source = EXCLUDED.source,
			payload = EXCLUDED.payload,
			encoding = EXCLUDED.encoding,
			last_accessed_at = EXCLUDED.last_accessed_at,
			expires_at = EXCLUDED.expires_at`
	pgTouch          = `UPDATE review_cache SET hit_count = hit_count + 1, last_accessed_at = $2 WHERE cache_key = $1`
	pgDelete         = `DELETE FROM review_cache WHERE cache_key = $1`
	pgDeleteExpired  = `DELETE FROM review_cache WHERE expires_at <= $1`
	pgDeleteBySource = `DELETE FROM review_cache WHERE source = $1`
	pgClear          = `DELETE FROM review_cache`
	pgCount          = `SELECT COUNT(*) FROM review_cache`
	pgCountBySource  = `SELECT source, COUNT(*) FROM review_cache GROUP BY source`
	pgEvictLRU       = `DELETE FROM review_cache WHERE cache_key IN (
			SELECT cache_key FROM review_cache ORDER BY last_accessed_at ASC, cache_key ASC LIMIT $1
		)`
)

// Postgres is the Repository backed by a shared PostgreSQL database.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// NewPostgres verifies the connection and ensures the cache table exists.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := &Postgres{pool: pool, log: logger.Named("store.postgres")}
	if err := p.Migrate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Migrate creates the cache table and indexes if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, pgCreateTable); err != nil {
		return fmt.Errorf("failed to create cache table: %w", err)
	}
	if _, err := p.pool.Exec(ctx, pgCreateIndexes); err != nil {
		return fmt.Errorf("failed to create cache indexes: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (*schemas.CacheEntry, error) {
	var e schemas.CacheEntry
	err := p.pool.QueryRow(ctx, pgSelectEntry, key).Scan(
		&e.Key, &e.Source, &e.Payload, &e.Encoding, &e.HitCount, &e.CreatedAt, &e.LastAccessedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return &e, nil
}

func (p *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, pgExists, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check cache entry: %w", err)
	}
	return exists, nil
}

func (p *Postgres) Upsert(ctx context.Context, e *schemas.CacheEntry) error {
	_, err := p.pool.Exec(ctx, pgUpsert,
		e.Key, e.Source, e.Payload, e.Encoding, e.HitCount,
		e.CreatedAt.UTC(), e.LastAccessedAt.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (p *Postgres) Touch(ctx context.Context, key string, at time.Time) error {
	if _, err := p.pool.Exec(ctx, pgTouch, key, at.UTC()); err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.exec(ctx, pgDelete, key)
	return n > 0, err
}

func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return p.exec(ctx, pgDeleteExpired, now.UTC())
}

func (p *Postgres) DeleteBySource(ctx context.Context, source string) (int64, error) {
	return p.exec(ctx, pgDeleteBySource, source)
}

func (p *Postgres) Clear(ctx context.Context) (int64, error) {
	return p.exec(ctx, pgClear)
}

func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, pgCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountBySource(ctx context.Context) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, pgCountBySource)
	if err != nil {
		return nil, fmt.Errorf("failed to count cache entries by source: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			source string
			n      int64
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		out[source] = n
	}
	return out, rows.Err()
}

func (p *Postgres) EvictLRU(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	return p.exec(ctx, pgEvictLRU, n)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute cache statement: %w", err)
	}
	return tag.RowsAffected(), nil
}
