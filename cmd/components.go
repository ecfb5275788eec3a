// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/internal/aggregator"
	"github.com/xkilldash9x/scalpel-review/internal/cache"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"github.com/xkilldash9x/scalpel-review/internal/engine"
	"github.com/xkilldash9x/scalpel-review/internal/metrics"
	"github.com/xkilldash9x/scalpel-review/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-review/internal/queue"
	"github.com/xkilldash9x/scalpel-review/internal/retry"
	"github.com/xkilldash9x/scalpel-review/internal/secrets"
	"github.com/xkilldash9x/scalpel-review/internal/security"
	"github.com/xkilldash9x/scalpel-review/internal/status"
	"github.com/xkilldash9x/scalpel-review/internal/store"
)

// components holds the process-wide collaborators. It is the only place that
// constructs them.
type components struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector
	Scanner      *secrets.Scanner

	repo  store.Repository
	codec *cache.Codec
}

// newComponents wires every dependency of the orchestrator from cfg.
func newComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	if cfg.Metrics.Enabled {
		c.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	var cacheStore *cache.Store
	if cfg.Cache.Enabled {
		repo, err := store.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache database: %w", err)
		}
		c.repo = repo

		codec, err := cache.NewCodec(cfg.Cache.CompressThreshold)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create cache codec: %w", err)
		}
		c.codec = codec
		cacheStore = cache.NewStore(repo, cfg.Cache.MaxSize, cfg.Cache.TouchInterval, logger)
	}

	// c.Metrics stays nil when metrics are disabled; its methods are no-ops then.
	resolver := security.NewResolver(cfg.CLI, cfg.Engines, security.SystemEnvironment(), logger)
	c.Scanner = secrets.New(cfg.Secrets, logger)

	deps := orchestrator.Deps{
		Validator:  security.NewValidator(cfg.CLI, resolver, logger),
		Scanner:    c.Scanner,
		Queues:     queue.NewManager(cfg.Queue, c.Metrics, logger),
		Retry:      retry.New(cfg.Retry, logger, retry.WithRetryHook(c.Metrics.Retry)),
		Cache:      cache.NewService(cfg.Cache, cacheStore, c.codec, c.Metrics, logger),
		Aggregator: aggregator.New(cfg.Aggregator, logger),
		Status:     status.New(cfg.Status.Retention, cfg.Status.SweepInterval, logger),
		Invoker:    engine.NewProcessInvoker(logger),
		Metrics:    c.Metrics,
	}

	orch, err := orchestrator.New(cfg, logger, deps)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	c.Orchestrator = orch
	return c, nil
}

// Close releases the cache database and codec.
func (c *components) Close() {
	if c.codec != nil {
		c.codec.Close()
	}
	if c.repo != nil {
		_ = c.repo.Close()
	}
}
