// Package queue provides per-engine admission control: a FIFO concurrency
// limit plus an optional start-rate window.
package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Observer receives queue depth changes.
type Observer interface {
	ObserveQueue(engine string, pending, active int64)
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Engine        string `json:"engine"`
	Pending       int64  `json:"pending"`
	Active        int64  `json:"active"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// Queue admits tasks for one engine. Waiters on the semaphore are served in
// arrival order, so tasks start in submission order.
type Queue struct {
	engine        string
	maxConcurrent int
	sem           *semaphore.Weighted

	// At most intervalCap starts per fixed window of length interval. Windows
	// are aligned to the first start so they never overlap.
	interval    time.Duration
	intervalCap int
	startMu     sync.Mutex
	windowStart time.Time
	windowCount int

	pending       atomic.Int64
	active        atomic.Int64
	observer      Observer
	logger        *zap.Logger
}

// New creates a queue from limits. A non-positive MaxConcurrent is treated as 1.
func New(engine string, limits config.QueueLimits, observer Observer, logger *zap.Logger) *Queue {
	maxConcurrent := limits.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &Queue{
		engine:        engine,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		observer:      observer,
		logger:        logger.Named("queue").With(zap.String("engine", engine)),
	}
	if limits.IntervalCap > 0 && limits.Interval > 0 {
		q.interval = limits.Interval
		q.intervalCap = limits.IntervalCap
	}
	return q
}

// Do blocks until the task is admitted, then runs fn while holding a slot.
// The queue never cancels, reorders, retries or times out an admitted task;
// a caller whose ctx ends while still waiting is simply not admitted.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	q.pending.Add(1)
	q.notify()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.pending.Add(-1)
		q.notify()
		return zero, err
	}

	if q.intervalCap > 0 {
		if err := q.waitWindow(ctx); err != nil {
			q.sem.Release(1)
			q.pending.Add(-1)
			q.notify()
			return zero, err
		}
	}

	q.pending.Add(-1)
	q.active.Add(1)
	q.notify()
	defer func() {
		q.active.Add(-1)
		q.sem.Release(1)
		q.notify()
	}()

	q.logger.Debug("Task admitted", zap.Int64("active", q.active.Load()), zap.Int64("pending", q.pending.Load()))
	return fn(ctx)
}

// waitWindow claims a start in the current window, sleeping until the next
// window boundary while the current one is full.
func (q *Queue) waitWindow(ctx context.Context) error {
	for {
		wait, ok := q.claimStart(time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// claimStart records a start at now if the window has room, otherwise it
// returns the time left until the next window opens.
func (q *Queue) claimStart(now time.Time) (time.Duration, bool) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.windowStart.IsZero() {
		q.windowStart = now
	} else if elapsed := now.Sub(q.windowStart); elapsed >= q.interval {
		q.windowStart = q.windowStart.Add(elapsed / q.interval * q.interval)
		q.windowCount = 0
	}
	if q.windowCount < q.intervalCap {
		q.windowCount++
		return 0, true
	}
	return q.windowStart.Add(q.interval).Sub(now), false
}

// Stats reports current queue depth.
func (q *Queue) Stats() Stats {
	return Stats{
		Engine:        q.engine,
		Pending:       q.pending.Load(),
		Active:        q.active.Load(),
		MaxConcurrent: q.maxConcurrent,
	}
}

func (q *Queue) notify() {
	if q.observer != nil {
		q.observer.ObserveQueue(q.engine, q.pending.Load(), q.active.Load())
	}
}

// Manager lazily creates one Queue per engine.
type Manager struct {
	cfg      config.QueueConfig
	observer Observer
	logger   *zap.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a Manager.
func NewManager(cfg config.QueueConfig, observer Observer, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		observer: observer,
		logger:   logger,
		queues:   make(map[string]*Queue),
	}
}

// For returns the queue for engine, creating it on first use.
func (m *Manager) For(engine string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[engine]; ok {
		return q
	}
	q := New(engine, m.cfg.For(engine), m.observer, m.logger)
	m.queues[engine] = q
	return q
}

// Stats reports every queue created so far, sorted by engine.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	out := make([]Stats, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.Stats())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}
