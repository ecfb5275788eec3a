// Package status tracks the lifecycle of in-flight and recently finished
// analyses. Entries are kept in memory and discarded a fixed retention window
// after they reach a terminal state.
package status

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"go.uber.org/zap"
)

// DefaultRetention is how long terminal entries remain visible.
const DefaultRetention = time.Hour

// ErrNotFound is returned for unknown or already swept ids.
var ErrNotFound = errors.New("analysis status not found")

// expiryItem is one entry in the expiry heap.
type expiryItem struct {
	id        string
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Store is the in-memory analysis status map.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*schemas.AnalysisStatusEntry
	expiries  expiryHeap
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	stopOnce   sync.Once
	stopSignal chan struct{}
	wg         sync.WaitGroup
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store. A non-positive retention falls back to one hour.
func New(retention, sweepInterval time.Duration, logger *zap.Logger, opts ...Option) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		entries:    make(map[string]*schemas.AnalysisStatusEntry),
		retention:  retention,
		interval:   sweepInterval,
		now:        time.Now,
		logger:     logger.Named("status"),
		stopSignal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a pending analysis.
func (s *Store) Create(id, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return apperrors.Validation("status.Create", "id", "analysis %s already exists", id)
	}
	s.entries[id] = &schemas.AnalysisStatusEntry{
		ID:        id,
		State:     schemas.StatePending,
		Source:    source,
		StartTime: s.now(),
	}
	return nil
}

// MarkInProgress moves a pending analysis to in_progress.
func (s *Store) MarkInProgress(id string) error {
	return s.transition(id, func(e *schemas.AnalysisStatusEntry) {
		e.State = schemas.StateInProgress
	})
}

// Complete records a successful result.
func (s *Store) Complete(id string, result any) error {
	return s.transition(id, func(e *schemas.AnalysisStatusEntry) {
		e.State = schemas.StateCompleted
		e.Result = result
	})
}

// Fail records the error code and message of a failed analysis.
func (s *Store) Fail(id string, err error) error {
	return s.transition(id, func(e *schemas.AnalysisStatusEntry) {
		e.State = schemas.StateFailed
		e.ErrorCode = apperrors.Code(err)
		if err != nil {
			e.ErrorMessage = err.Error()
		}
	})
}

func (s *Store) transition(id string, apply func(e *schemas.AnalysisStatusEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.State.Terminal() {
		return fmt.Errorf("analysis %s is already %s", id, e.State)
	}
	apply(e)
	if e.State.Terminal() {
		now := s.now()
		expires := now.Add(s.retention)
		e.EndTime = &now
		e.ExpiresAt = &expires
		heap.Push(&s.expiries, expiryItem{id: id, expiresAt: expires})
	}
	return nil
}

// Get returns a copy of the entry for id. Entries past their expiry are not returned.
func (s *Store) Get(id string) (schemas.AnalysisStatusEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || (e.ExpiresAt != nil && !s.now().Before(*e.ExpiresAt)) {
		return schemas.AnalysisStatusEntry{}, ErrNotFound
	}
	return *e, nil
}

// List returns copies of all visible entries, newest first. An empty state
// matches every entry.
func (s *Store) List(state schemas.AnalysisState) []schemas.AnalysisStatusEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]schemas.AnalysisStatusEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
			continue
		}
		if state != "" && e.State != state {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes every entry whose retention has elapsed and returns the count.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for s.expiries.Len() > 0 && !now.Before(s.expiries[0].expiresAt) {
		item := heap.Pop(&s.expiries).(expiryItem)
		if _, ok := s.entries[item.id]; ok {
			delete(s.entries, item.id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Swept expired analysis statuses", zap.Int("removed", removed))
	}
	return removed
}

// Start runs the sweeper until Stop is called or ctx ends.
func (s *Store) Start(ctx context.Context) {
	if s.interval <= 0 {
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
				s.Sweep()
			case <-s.stopSignal:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopSignal) })
	s.wg.Wait()
}
