// Package cache implements the canonical-key, TTL and LRU result cache used
// to avoid re-running engines on identical requests.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

// Recorder receives cache events for metrics.
type Recorder interface {
	CacheHit(source string)
	CacheMiss(source string)
	CacheWriteFailed(source string)
	CacheEvicted(n int64)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)         {}
func (nopRecorder) CacheMiss(string)        {}
func (nopRecorder) CacheWriteFailed(string) {}
func (nopRecorder) CacheEvicted(int64)      {}

// Service is the read-through cache used by the orchestrator.
type Service struct {
	store    *Store
	codec    *Codec
	enabled  bool
	ttl      time.Duration
	interval time.Duration
	recorder Recorder
	logger   *zap.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	writeErrors atomic.Int64

	stopOnce   sync.Once
	stopSignal chan struct{}
	wg         sync.WaitGroup
}

// NewService wires a Service over st. A nil recorder disables metrics; a nil
// store or a disabled config yields a pass-through cache.
func NewService(cfg config.CacheConfig, st *Store, codec *Codec, recorder Recorder, logger *zap.Logger) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	s := &Service{
		store:      st,
		codec:      codec,
		enabled:    cfg.Enabled && st != nil && codec != nil,
		ttl:        cfg.TTL,
		interval:   cfg.CleanupInterval,
		recorder:   recorder,
		logger:     logger.Named("cache"),
		stopSignal: make(chan struct{}),
	}
	if st != nil {
		prev := st.onEvict
		st.onEvict = func(n int64) {
			s.evictions.Add(n)
			s.recorder.CacheEvicted(n)
			if prev != nil {
				prev(n)
			}
		}
	}
	return s
}

// Enabled reports whether lookups and writes are performed.
func (s *Service) Enabled() bool { return s.enabled }

// Lookup decodes the live entry for key into a T.
func Lookup[T any](ctx context.Context, s *Service, key, source string) (T, bool) {
	var zero T
	if !s.enabled {
		return zero, false
	}
	entry, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Cache read failed; treating as miss", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if !ok {
		s.misses.Add(1)
		s.recorder.CacheMiss(source)
		return zero, false
	}

	var value T
	if err := s.codec.Decode(entry.Payload, entry.Encoding, &value); err != nil {
		s.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		if _, derr := s.store.Delete(ctx, key); derr != nil {
			s.logger.Warn("Failed to delete undecodable cache entry", zap.String("key", key), zap.Error(derr))
		}
		s.misses.Add(1)
		s.recorder.CacheMiss(source)
		return zero, false
	}

	s.hits.Add(1)
	s.recorder.CacheHit(source)
	return value, true
}

// Put writes value under key. Failures are logged and counted, never returned.
func Put[T any](ctx context.Context, s *Service, key, source string, value T) {
	if !s.enabled {
		return
	}
	payload, encoding, err := s.codec.Encode(value)
	if err == nil {
		err = s.store.Set(ctx, key, source, payload, encoding, s.ttl)
	}
	if err != nil {
		s.writeErrors.Add(1)
		s.recorder.CacheWriteFailed(source)
		s.logger.Warn("Cache write failed", zap.String("key", key), zap.String("source", source), zap.Error(err))
	}
}

// ComputeFunc produces a value on a cache miss. Returning cacheable=false
// hands the value back without storing it.
type ComputeFunc[T any] func(ctx context.Context) (value T, cacheable bool, err error)

// GetOrSet returns the cached value for key or computes, stores and returns
// it. Concurrent misses on the same key may both compute; the last write wins.
func GetOrSet[T any](ctx context.Context, s *Service, key, source string, compute ComputeFunc[T]) (T, bool, error) {
	if v, ok := Lookup[T](ctx, s, key, source); ok {
		return v, true, nil
	}
	value, cacheable, err := compute(ctx)
	if err != nil {
		return value, false, err
	}
	if cacheable {
		Put(ctx, s, key, source, value)
	}
	return value, false, nil
}

// Invalidate removes a single key.
func (s *Service) Invalidate(ctx context.Context, key string) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	return s.store.Delete(ctx, key)
}

// InvalidateSource removes all entries for one engine or "combined".
func (s *Service) InvalidateSource(ctx context.Context, source string) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.DeleteBySource(ctx, source)
}

// Clear removes every entry.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.Clear(ctx)
}

// Sweep removes expired entries now.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	n, err := s.store.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("Swept expired cache entries", zap.Int64("deleted", n))
	}
	return n, nil
}

// Stats reports counters for this process together with stored entry counts.
func (s *Service) Stats(ctx context.Context) (schemas.CacheStats, error) {
	hits, misses := s.hits.Load(), s.misses.Load()
	stats := schemas.CacheStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   s.evictions.Load(),
		WriteErrors: s.writeErrors.Load(),
		BySource:    map[string]int64{},
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if s.store == nil {
		return stats, nil
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return stats, err
	}
	stats.TotalEntries = total
	bySource, err := s.store.CountBySource(ctx)
	if err != nil {
		return stats, err
	}
	stats.BySource = bySource
	return stats, nil
}

// Start runs the expiry sweeper until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) {
	if !s.enabled || s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Warn("Cache sweep failed", zap.Error(err))
				}
			case <-s.stopSignal:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopSignal) })
	s.wg.Wait()
}
