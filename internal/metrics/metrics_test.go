package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/cache"
	"github.com/xkilldash9x/scalpel-review/internal/queue"
)

// Compile-time checks that Collector plugs into the pipeline hooks.
var (
	_ cache.Recorder = (*Collector)(nil)
	_ queue.Observer = (*Collector)(nil)
)

func TestCollectorRecords(t *testing.T) {
	c := New("test")

	c.CacheHit("codex")
	c.CacheHit("codex")
	c.CacheMiss("gemini")
	c.CacheEvicted(3)
	c.CacheEvicted(0)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("codex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("gemini")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cacheEvictions))

	c.ObserveQueue("codex", 4, 2)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queuePending.WithLabelValues("codex")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.queueActive.WithLabelValues("codex")))

	c.Retry("engine.Invoke", 1, time.Second, apperrors.Timeout("engine.Invoke", nil, "slow"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("engine.Invoke", "timeout")))

	c.EngineInvoked("codex", 2*time.Second, nil)
	c.EngineInvoked("codex", time.Second, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocations.WithLabelValues("codex", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocations.WithLabelValues("codex", "unknown")))

	c.SecretsDetected([]schemas.SecretFinding{
		{Category: schemas.CategoryAPIKey, Location: "input"},
		{Category: schemas.CategoryAPIKey, Location: "input"},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.secrets.WithLabelValues("api_key", "input")))

	c.AnalysisFinished("codex", schemas.StateCompleted)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.analyses.WithLabelValues("codex", "completed")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CacheHit("x")
		c.CacheMiss("x")
		c.CacheWriteFailed("x")
		c.CacheEvicted(1)
		c.ObserveQueue("x", 1, 1)
		c.Retry("op", 1, 0, nil)
		c.EngineInvoked("x", 0, nil)
		c.SecretsDetected([]schemas.SecretFinding{{}})
		c.AnalysisFinished("x", schemas.StateFailed)
	})
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New("scalpel_review")
	c.CacheHit("codex")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scalpel_review_cache_hits_total{source="codex"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
