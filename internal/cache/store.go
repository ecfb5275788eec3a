package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/store"
	"go.uber.org/zap"
)

// evictFraction of MaxSize is evicted in one batch when the cache is full.
const evictFraction = 0.1

// Store applies TTL and LRU policy on top of a Repository.
type Store struct {
	repo          store.Repository
	maxSize       int
	touchInterval time.Duration
	now           func() time.Time
	onEvict       func(n int64)
	logger        *zap.Logger
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithEvictionHook is called with the number of entries removed by each LRU batch.
func WithEvictionHook(fn func(n int64)) StoreOption {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates a Store. maxSize below 1 is treated as 1.
func NewStore(repo store.Repository, maxSize int, touchInterval time.Duration, logger *zap.Logger, opts ...StoreOption) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	s := &Store{
		repo:          repo,
		maxSize:       maxSize,
		touchInterval: touchInterval,
		now:           time.Now,
		logger:        logger.Named("cache.store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EvictionBatch is the number of entries removed when the cache is full.
func (s *Store) EvictionBatch() int {
	n := int(float64(s.maxSize) * evictFraction)
	if n < 1 {
		return 1
	}
	return n
}

// Get returns the live entry for key. Absent and expired entries are misses;
// an expired entry is deleted on the way out.
func (s *Store) Get(ctx context.Context, key string) (*schemas.CacheEntry, bool, error) {
	entry, err := s.repo.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	if entry.Expired(now) {
		if _, err := s.repo.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to delete expired cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false, nil
	}

	// Skip the write when the entry was touched recently.
	if now.Sub(entry.LastAccessedAt) >= s.touchInterval {
		if err := s.repo.Touch(ctx, key, now); err != nil {
			s.logger.Warn("Failed to record cache access", zap.String("key", key), zap.Error(err))
		} else {
			entry.HitCount++
			entry.LastAccessedAt = now
		}
	}
	return entry, true, nil
}

// Set stores payload under key for ttl. Existing keys are refreshed in place;
// new keys first make room by evicting the least recently used batch.
func (s *Store) Set(ctx context.Context, key, source string, payload []byte, encoding string, ttl time.Duration) error {
	now := s.now()
	entry := &schemas.CacheEntry{
		Key:            key,
		Source:         source,
		Payload:        payload,
		Encoding:       encoding,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
	}

	exists, err := s.repo.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.makeRoom(ctx); err != nil {
			return err
		}
	}
	return s.repo.Upsert(ctx, entry)
}

func (s *Store) makeRoom(ctx context.Context) error {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return err
	}
	if count < int64(s.maxSize) {
		return nil
	}
	batch := s.EvictionBatch()
	evicted, err := s.repo.EvictLRU(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}
	s.logger.Debug("Evicted least recently used entries", zap.Int64("evicted", evicted), zap.Int64("count", count), zap.Int("max_size", s.maxSize))
	if s.onEvict != nil && evicted > 0 {
		s.onEvict(evicted)
	}
	return nil
}

// Delete removes one key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	return s.repo.Delete(ctx, key)
}

// DeleteBySource removes every entry produced by source.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int64, error) {
	return s.repo.DeleteBySource(ctx, source)
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	return s.repo.Clear(ctx)
}

// Sweep deletes all expired entries.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

// Count returns the number of stored entries, expired ones included until swept.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

// CountBySource returns entry counts per source tag.
func (s *Store) CountBySource(ctx context.Context) (map[string]int64, error) {
	return s.repo.CountBySource(ctx)
}
