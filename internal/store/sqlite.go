package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS review_cache (
	cache_key        TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	payload          BLOB NOT NULL,
	encoding         TEXT NOT NULL DEFAULT 'json',
	hit_count        INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_cache_expires_at ON review_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_review_cache_last_accessed ON review_cache(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_review_cache_source ON review_cache(source);
`

// SQLite is the embedded Repository. Timestamps are stored as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens (and creates if needed) the database at path. ":memory:"
// gives a private in-memory database.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = expanded
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (*schemas.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, source, payload, encoding, hit_count, created_at, last_accessed_at, expires_at
		FROM review_cache WHERE cache_key = ?`, key)

	var (
		e                          schemas.CacheEntry
		created, accessed, expires int64
	)
	err := row.Scan(&e.Key, &e.Source, &e.Payload, &e.Encoding, &e.HitCount, &created, &accessed, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	e.CreatedAt = time.UnixMilli(created)
	e.LastAccessedAt = time.UnixMilli(accessed)
	e.ExpiresAt = time.UnixMilli(expires)
	return &e, nil
}

func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM review_cache WHERE cache_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cache entry: %w", err)
	}
	return true, nil
}

func (s *SQLite) Upsert(ctx context.Context, e *schemas.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_cache (cache_key, source, payload, encoding, hit_count, created_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			source = excluded.source,
			payload = excluded.payload,
			encoding = excluded.encoding,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at`,
		e.Key, e.Source, e.Payload, e.Encoding, e.HitCount,
		e.CreatedAt.UnixMilli(), e.LastAccessedAt.UnixMilli(), e.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE review_cache SET hit_count = hit_count + 1, last_accessed_at = ? WHERE cache_key = ?`,
		at.UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM review_cache WHERE cache_key = ?`, key)
	return n > 0, err
}

func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM review_cache WHERE expires_at <= ?`, now.UnixMilli())
}

func (s *SQLite) DeleteBySource(ctx context.Context, source string) (int64, error) {
	return s.exec(ctx, `DELETE FROM review_cache WHERE source = ?`, source)
}

func (s *SQLite) Clear(ctx context.Context) (int64, error) {
	return s.exec(ctx, `DELETE FROM review_cache`)
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

func (s *SQLite) CountBySource(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM review_cache GROUP BY source`)
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

func (s *SQLite) EvictLRU(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	return s.exec(ctx, `
		DELETE FROM review_cache WHERE cache_key IN (
			SELECT cache_key FROM review_cache ORDER BY last_accessed_at ASC, cache_key ASC LIMIT ?
		)`, n)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute cache statement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
