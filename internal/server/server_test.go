package server_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"github.com/xkilldash9x/scalpel-review/internal/metrics"
	"github.com/xkilldash9x/scalpel-review/internal/mocks"
	"github.com/xkilldash9x/scalpel-review/internal/queue"
	"github.com/xkilldash9x/scalpel-review/internal/server"
	"github.com/xkilldash9x/scalpel-review/internal/status"
)

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
}

func setupServer(t *testing.T) (*mocks.MockAnalyzer, http.Handler) {
	t.Helper()
	analyzer := new(mocks.MockAnalyzer)
	t.Cleanup(func() { analyzer.AssertExpectations(t) })
	srv := server.New(config.ServerConfig{}, analyzer, metrics.New("test").Handler(), zaptest.NewLogger(t))
	return analyzer, srv.Router()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthz(t *testing.T) {
	_, h := setupServer(t)
	rec, env := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setupServer(t)
	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAnalyzeSingleEngine(t *testing.T) {
	analyzer, h := setupServer(t)
	result := &schemas.AnalysisResult{Success: true, Findings: []schemas.Finding{{Severity: schemas.SeverityHigh, Title: "SQL injection"}}}
	analyzer.On("Analyze", mock.Anything, "codex", mock.MatchedBy(func(req *schemas.AnalysisRequest) bool {
		return req.Prompt == "review this" && req.Options != nil && req.Options.SeverityFilter == schemas.SeverityHigh
	})).Return(result, nil).Once()

	rec, env := do(t, h, http.MethodPost, "/api/v1/analyze",
		`{"engine":"codex","prompt":"review this","options":{"severity_filter":"high"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", env.Status)

	var got schemas.AnalysisResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "SQL injection", got.Findings[0].Title)
}

func TestAnalyzeRateLimit(t *testing.T) {
	analyzer := new(mocks.MockAnalyzer)
	t.Cleanup(func() { analyzer.AssertExpectations(t) })
	cfg := config.ServerConfig{AnalyzeRateLimit: 0.001, AnalyzeBurst: 1}
	h := server.New(cfg, analyzer, nil, zaptest.NewLogger(t)).Router()
	analyzer.On("Analyze", mock.Anything, "codex", mock.Anything).Return(&schemas.AnalysisResult{Success: true}, nil).Once()
	analyzer.On("Detect").Return([]schemas.EngineStatus{}).Once()

	body := `{"engine":"codex","prompt":"review this"}`
	rec, _ := do(t, h, http.MethodPost, "/api/v1/analyze", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, h, http.MethodPost, "/api/v1/analyze", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", env.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec, _ = do(t, h, http.MethodGet, "/api/v1/engines", "")
	assert.Equal(t, http.StatusOK, rec.Code, "other routes are not throttled")
}

func TestAnalyzeCombined(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		engines []string
	}{
		{name: "explicit engines", body: `{"engines":["codex","gemini"],"prompt":"p"}`, engines: []string{"codex", "gemini"}},
		{name: "combined pseudo engine", body: `{"engine":"combined","prompt":"p"}`, engines: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer, h := setupServer(t)
			analyzer.On("AnalyzeMulti", mock.Anything, tt.engines, mock.Anything).
				Return(&schemas.AggregatedAnalysis{Source: "combined", Engines: []string{"codex", "gemini"}}, nil).Once()

			rec, env := do(t, h, http.MethodPost, "/api/v1/analyze", tt.body)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "success", env.Status)
		})
	}
}

func TestAnalyzeRequestErrors(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		_, h := setupServer(t)
		rec, env := do(t, h, http.MethodPost, "/api/v1/analyze", `{"prompt":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "error", env.Status)
	})

	t.Run("no engine", func(t *testing.T) {
		_, h := setupServer(t)
		rec, env := do(t, h, http.MethodPost, "/api/v1/analyze", `{"prompt":"p"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", env.Code)
	})
}

func TestAnalyzeErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"validation", apperrors.Validation("orchestrator.Analyze", "prompt", "prompt must not be empty"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"security", apperrors.Security("orchestrator.Analyze", "prompt contains secrets"), http.StatusForbidden, "SECURITY_ERROR"},
		{"timeout", apperrors.Timeout("engine.Invoke", context.DeadlineExceeded, "timed out"), http.StatusGatewayTimeout, "TIMEOUT_ERROR"},
		{"cli", apperrors.CLIExecution("engine.Invoke", errors.New("exit 1"), "failed"), http.StatusBadGateway, "CLI_EXECUTION_ERROR"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "UNKNOWN_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer, h := setupServer(t)
			analyzer.On("Analyze", mock.Anything, "codex", mock.Anything).Return(nil, tt.err).Once()

			rec, env := do(t, h, http.MethodPost, "/api/v1/analyze", `{"engine":"codex","prompt":"p"}`)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "error", env.Status)
			assert.Equal(t, tt.wantErr, env.Code)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestGetAnalysis(t *testing.T) {
	analyzer, h := setupServer(t)
	analyzer.On("Status", "abc").Return(schemas.AnalysisStatusEntry{ID: "abc", State: schemas.StateCompleted, Source: "codex"}, nil).Once()
	analyzer.On("Status", "missing").Return(schemas.AnalysisStatusEntry{}, status.ErrNotFound).Once()

	rec, env := do(t, h, http.MethodGet, "/api/v1/analyses/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry schemas.AnalysisStatusEntry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, schemas.StateCompleted, entry.State)

	rec, env = do(t, h, http.MethodGet, "/api/v1/analyses/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestListAnalyses(t *testing.T) {
	analyzer, h := setupServer(t)
	analyzer.On("ListStatus", schemas.StateFailed).Return([]schemas.AnalysisStatusEntry{{ID: "x", State: schemas.StateFailed}}).Once()
	analyzer.On("ListStatus", schemas.AnalysisState("")).Return([]schemas.AnalysisStatusEntry{}).Once()

	rec, env := do(t, h, http.MethodGet, "/api/v1/analyses?state=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []schemas.AnalysisStatusEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Len(t, entries, 1)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/analyses", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/analyses?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnginesAndQueues(t *testing.T) {
	analyzer, h := setupServer(t)
	analyzer.On("Detect").Return([]schemas.EngineStatus{{CLIDetectionResult: schemas.CLIDetectionResult{Engine: "codex"}, Allowed: true}}).Once()
	analyzer.On("QueueStats").Return([]queue.Stats{{Engine: "codex", MaxConcurrent: 1}}).Once()

	rec, env := do(t, h, http.MethodGet, "/api/v1/engines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var engines []schemas.EngineStatus
	require.NoError(t, json.Unmarshal(env.Data, &engines))
	require.Len(t, engines, 1)
	assert.True(t, engines[0].Allowed)

	rec, env = do(t, h, http.MethodGet, "/api/v1/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []queue.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats[0].MaxConcurrent)
}

func TestCacheEndpoints(t *testing.T) {
	analyzer, h := setupServer(t)
	analyzer.On("CacheStats", mock.Anything).Return(schemas.CacheStats{Hits: 3, Misses: 1, HitRate: 0.75}, nil).Once()
	analyzer.On("ClearCache", mock.Anything, "codex").Return(int64(2), nil).Once()
	analyzer.On("ClearCache", mock.Anything, "").Return(int64(0), apperrors.Wrap(apperrors.KindCache, "cache.Clear", errors.New("disk full"))).Once()

	rec, env := do(t, h, http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats schemas.CacheStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 0.75, stats.HitRate)

	rec, env = do(t, h, http.MethodDelete, "/api/v1/cache?source=codex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"removed":2`)

	rec, env = do(t, h, http.MethodDelete, "/api/v1/cache", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "CACHE_ERROR", env.Code)
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	analyzer := new(mocks.MockAnalyzer)
	srv := server.New(config.ServerConfig{}, analyzer, nil, zap.New(core))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/healthz", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.NotEmpty(t, fields["request_id"])

	// Without a metrics handler the route is not mounted.
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	analyzer := new(mocks.MockAnalyzer)
	srv := server.New(config.ServerConfig{ShutdownTimeout: time.Second}, analyzer, nil, zaptest.NewLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
