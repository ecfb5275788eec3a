// Package metrics exposes Prometheus collectors for the analysis pipeline.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
)

// Collector owns a registry and the pipeline's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheWriteErrors *prometheus.CounterVec
	cacheEvictions   prometheus.Counter

	queuePending *prometheus.GaugeVec
	queueActive  *prometheus.GaugeVec

	retries *prometheus.CounterVec

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec

	secrets  *prometheus.CounterVec
	analyses *prometheus.CounterVec
}

// New registers all collectors under namespace on a fresh registry, along
// with the standard Go and process collectors.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache lookups served from a live entry.",
		}, []string{"source"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache lookups that found no live entry.",
		}, []string{"source"}),
		cacheWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "write_errors_total",
			Help: "Cache writes that failed and were skipped.",
		}, []string{"source"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries removed by LRU eviction.",
		}),
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "pending",
			Help: "Tasks waiting for admission.",
		}, []string{"engine"}),
		queueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "active",
			Help: "Tasks currently holding a slot.",
		}, []string{"engine"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retry", Name: "attempts_total",
			Help: "Retries scheduled after a retryable failure.",
		}, []string{"op", "kind"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "invocations_total",
			Help: "Engine subprocess runs by outcome.",
		}, []string{"engine", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "duration_seconds",
			Help:    "Engine subprocess wall time.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"engine"}),
		secrets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "secrets", Name: "detected_total",
			Help: "Possible secrets found, by category and location.",
		}, []string{"category", "location"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "finished_total",
			Help: "Analyses reaching a terminal state.",
		}, []string{"source", "state"}),
	}

	reg.MustRegister(
		c.cacheHits, c.cacheMisses, c.cacheWriteErrors, c.cacheEvictions,
		c.queuePending, c.queueActive,
		c.retries,
		c.invocations, c.duration,
		c.secrets, c.analyses,
	)
	return c
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) CacheHit(source string) {
	if c != nil {
		c.cacheHits.WithLabelValues(source).Inc()
	}
}

func (c *Collector) CacheMiss(source string) {
	if c != nil {
		c.cacheMisses.WithLabelValues(source).Inc()
	}
}

func (c *Collector) CacheWriteFailed(source string) {
	if c != nil {
		c.cacheWriteErrors.WithLabelValues(source).Inc()
	}
}

func (c *Collector) CacheEvicted(n int64) {
	if c != nil && n > 0 {
		c.cacheEvictions.Add(float64(n))
	}
}

// ObserveQueue records queue depth for engine.
func (c *Collector) ObserveQueue(engine string, pending, active int64) {
	if c == nil {
		return
	}
	c.queuePending.WithLabelValues(engine).Set(float64(pending))
	c.queueActive.WithLabelValues(engine).Set(float64(active))
}

// Retry matches retry.RetryHook.
func (c *Collector) Retry(op string, _ int, _ time.Duration, err error) {
	if c != nil {
		c.retries.WithLabelValues(op, apperrors.KindOf(err).String()).Inc()
	}
}

// EngineInvoked records one engine run.
func (c *Collector) EngineInvoked(engine string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = apperrors.KindOf(err).String()
	}
	c.invocations.WithLabelValues(engine, outcome).Inc()
	c.duration.WithLabelValues(engine).Observe(d.Seconds())
}

// SecretsDetected counts findings by category.
func (c *Collector) SecretsDetected(findings []schemas.SecretFinding) {
	if c == nil {
		return
	}
	for _, f := range findings {
		c.secrets.WithLabelValues(string(f.Category), f.Location).Inc()
	}
}

// AnalysisFinished counts an analysis reaching state.
func (c *Collector) AnalysisFinished(source string, state schemas.AnalysisState) {
	if c != nil {
		c.analyses.WithLabelValues(source, string(state)).Inc()
	}
}
