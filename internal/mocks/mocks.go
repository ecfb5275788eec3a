// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/engine"
	"github.com/xkilldash9x/scalpel-review/internal/queue"
)

// -- Engine Invoker Mock --

// MockInvoker mocks the engine.Invoker interface.
type MockInvoker struct {
	mock.Mock
}

// Invoke provides a mock function for engine runs.
func (m *MockInvoker) Invoke(ctx context.Context, inv engine.Invocation) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, inv)
	return args.String(0), args.Error(1)
}

// -- Cache Recorder Mock --

// MockCacheRecorder mocks the cache.Recorder interface.
type MockCacheRecorder struct {
	mock.Mock
}

func (m *MockCacheRecorder) CacheHit(source string)         { m.Called(source) }
func (m *MockCacheRecorder) CacheMiss(source string)        { m.Called(source) }
func (m *MockCacheRecorder) CacheWriteFailed(source string) { m.Called(source) }
func (m *MockCacheRecorder) CacheEvicted(n int64)           { m.Called(n) }

// -- Queue Observer Mock --

// MockQueueObserver mocks the queue.Observer interface.
type MockQueueObserver struct {
	mock.Mock
}

func (m *MockQueueObserver) ObserveQueue(engine string, pending, active int64) {
	m.Called(engine, pending, active)
}

// -- Retry Hook Mock --

// MockRetryHook records retry.RetryHook calls. Pass m.Hook to retry.WithRetryHook.
type MockRetryHook struct {
	mock.Mock
}

func (m *MockRetryHook) Hook(op string, attempt int, delay time.Duration, err error) {
	m.Called(op, attempt, delay, err)
}

// -- Analyzer Mock --

// MockAnalyzer mocks the server.Analyzer interface.
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, engine string, req *schemas.AnalysisRequest) (*schemas.AnalysisResult, error) {
	args := m.Called(ctx, engine, req)
	res, _ := args.Get(0).(*schemas.AnalysisResult)
	return res, args.Error(1)
}

func (m *MockAnalyzer) AnalyzeMulti(ctx context.Context, engines []string, req *schemas.AnalysisRequest) (*schemas.AggregatedAnalysis, error) {
	args := m.Called(ctx, engines, req)
	res, _ := args.Get(0).(*schemas.AggregatedAnalysis)
	return res, args.Error(1)
}

func (m *MockAnalyzer) Detect() []schemas.EngineStatus {
	args := m.Called()
	res, _ := args.Get(0).([]schemas.EngineStatus)
	return res
}

func (m *MockAnalyzer) Status(id string) (schemas.AnalysisStatusEntry, error) {
	args := m.Called(id)
	return args.Get(0).(schemas.AnalysisStatusEntry), args.Error(1)
}

func (m *MockAnalyzer) ListStatus(state schemas.AnalysisState) []schemas.AnalysisStatusEntry {
	args := m.Called(state)
	res, _ := args.Get(0).([]schemas.AnalysisStatusEntry)
	return res
}

func (m *MockAnalyzer) QueueStats() []queue.Stats {
	args := m.Called()
	res, _ := args.Get(0).([]queue.Stats)
	return res
}

func (m *MockAnalyzer) CacheStats(ctx context.Context) (schemas.CacheStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.CacheStats), args.Error(1)
}

func (m *MockAnalyzer) ClearCache(ctx context.Context, source string) (int64, error) {
	args := m.Called(ctx, source)
	return args.Get(0).(int64), args.Error(1)
}
