// Package orchestrator composes the analysis pipeline for each request:
// path validation, secret gating, admission, caching, retried engine
// invocation, aggregation and status tracking.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/aggregator"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/cache"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"github.com/xkilldash9x/scalpel-review/internal/engine"
	"github.com/xkilldash9x/scalpel-review/internal/metrics"
	"github.com/xkilldash9x/scalpel-review/internal/queue"
	"github.com/xkilldash9x/scalpel-review/internal/retry"
	"github.com/xkilldash9x/scalpel-review/internal/secrets"
	"github.com/xkilldash9x/scalpel-review/internal/security"
	"github.com/xkilldash9x/scalpel-review/internal/status"
)

const (
	opAnalyze      = "orchestrator.Analyze"
	opAnalyzeMulti = "orchestrator.AnalyzeMulti"
	opInvoke       = "engine.Invoke"
)

// Deps are the collaborators an Orchestrator is built from. Metrics is optional.
type Deps struct {
	Validator  *security.Validator
	Scanner    *secrets.Scanner
	Queues     *queue.Manager
	Retry      *retry.Controller
	Cache      *cache.Service
	Aggregator *aggregator.Aggregator
	Status     *status.Store
	Invoker    engine.Invoker
	Metrics    *metrics.Collector
}

// Orchestrator handles analysis requests. It is safe for concurrent use.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	deps    Deps
	engines map[string]engine.Engine
	now     func() time.Time
}

// New creates an Orchestrator. Every dependency except Metrics is required.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		deps.Validator == nil ||
		deps.Scanner == nil ||
		deps.Queues == nil ||
		deps.Retry == nil ||
		deps.Cache == nil ||
		deps.Aggregator == nil ||
		deps.Status == nil ||
		deps.Invoker == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	engines := make(map[string]engine.Engine, len(cfg.Engines))
	for name, ec := range cfg.Engines {
		engines[name] = engine.Engine{Name: name, Config: ec}
	}
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
		deps:    deps,
		engines: engines,
		now:     time.Now,
	}, nil
}

// Start launches the cache and status sweepers.
func (o *Orchestrator) Start(ctx context.Context) {
	o.deps.Cache.Start(ctx)
	o.deps.Status.Start(ctx)
}

// Stop halts the sweepers and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.deps.Cache.Stop()
	o.deps.Status.Stop()
}

// Engines returns the configured engine names in stable order.
func (o *Orchestrator) Engines() []string {
	return o.cfg.EngineNames()
}

// run carries per-engine bookkeeping out of the pipeline.
type run struct {
	result   *schemas.AnalysisResult
	cacheHit bool
	attempts int
	path     string
	warnings []string
	// degraded is set when the engine output could not be parsed.
	degraded bool
}

// Analyze runs one engine for req. Every outcome is recorded in the status
// store before it is returned.
func (o *Orchestrator) Analyze(ctx context.Context, engineName string, req *schemas.AnalysisRequest) (*schemas.AnalysisResult, error) {
	id := uuid.NewString()
	start := o.now()
	if err := o.deps.Status.Create(id, engineName); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opAnalyze, err)
	}
	logger := o.logger.With(zap.String("analysis_id", id), zap.String("engine", engineName))
	logger.Info("Analysis started")

	res, err := o.analyze(ctx, id, engineName, req, start)
	if err != nil {
		o.fail(id, engineName, err, logger)
		return nil, err
	}
	o.complete(id, engineName, res, logger)
	return res, nil
}

func (o *Orchestrator) analyze(ctx context.Context, id, engineName string, req *schemas.AnalysisRequest, start time.Time) (*schemas.AnalysisResult, error) {
	if err := validateRequest(opAnalyze, req); err != nil {
		return nil, err
	}
	if _, ok := o.engines[engineName]; !ok {
		return nil, apperrors.Validation(opAnalyze, "engine", "unknown engine %q", engineName)
	}
	inputSecrets, warnings, err := o.gateInput(opAnalyze, req)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	r, err := o.runEngine(ctx, engineName, req, func() {
		once.Do(func() { o.markInProgress(id) })
	})
	if err != nil {
		return nil, err
	}

	res := r.result
	res.ID = id
	res.Secrets = append(inputSecrets, res.Secrets...)
	applySeverityFilter(res, req.Options)
	res.Metadata = schemas.ResultMetadata{
		DurationMs: o.now().Sub(start).Milliseconds(),
		CacheHit:   r.cacheHit,
		Context:    req.Context,
		Warnings:   append(warnings, r.warnings...),
		Engine:     engineName,
		CLIPath:    r.path,
		Attempts:   r.attempts,
	}
	return res, nil
}

// runEngine is the per-engine pipeline shared by single and combined runs:
// path validation, admission, cache lookup and, on a miss, the retried
// invocation followed by parsing and output scanning.
func (o *Orchestrator) runEngine(ctx context.Context, name string, req *schemas.AnalysisRequest, admitted func()) (*run, error) {
	eng := o.engines[name]
	var override string
	if req.Options != nil {
		override = strings.TrimSpace(req.Options.CLIPath)
	}
	det, err := o.deps.Validator.ResolveAndValidate(name, override)
	if err != nil {
		return nil, err
	}

	r := &run{path: det.Path, warnings: append([]string(nil), det.Warnings...)}
	key, err := cache.Fingerprint(cache.KeyInput{
		Prompt:   req.Prompt,
		Target:   name,
		Context:  req.Context,
		Options:  req.Options,
		Services: []cache.ServiceParams{serviceParams(eng)},
	})
	if err != nil {
		return nil, err
	}

	_, err = queue.Do(ctx, o.deps.Queues.For(name), func(ctx context.Context) (struct{}, error) {
		if admitted != nil {
			admitted()
		}
		res, hit, err := cache.GetOrSet(ctx, o.deps.Cache, key, name, func(ctx context.Context) (*schemas.AnalysisResult, bool, error) {
			return o.invoke(ctx, eng, det.Path, req, r)
		})
		r.result, r.cacheHit = res, hit
		return struct{}{}, err
	})
	if err != nil {
		if ctx.Err() != nil && apperrors.KindOf(err) == apperrors.KindUnknown {
			return nil, apperrors.Wrap(apperrors.KindInternal, opAnalyze, err)
		}
		return nil, err
	}
	return r, nil
}

// invoke runs the engine under the retry controller and interprets its
// output. Degraded results are returned but never cached.
func (o *Orchestrator) invoke(ctx context.Context, eng engine.Engine, path string, req *schemas.AnalysisRequest, r *run) (*schemas.AnalysisResult, bool, error) {
	inv := eng.Invocation(path, req)
	raw, attempts, err := retry.Run(ctx, o.deps.Retry, opInvoke, func(ctx context.Context, attempt int) (string, error) {
		started := time.Now()
		out, err := o.deps.Invoker.Invoke(ctx, inv)
		o.deps.Metrics.EngineInvoked(eng.Name, time.Since(started), err)
		if err != nil {
			o.logger.Debug("Engine attempt failed",
				zap.String("engine", eng.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return out, err
	})
	r.attempts = attempts
	if err != nil {
		return nil, false, err
	}

	res, perr := engine.Parse(eng.Name, raw)
	if perr != nil {
		r.degraded = true
		r.warnings = append(r.warnings, perr.Error())
		o.logger.Warn("Engine output degraded to raw text", zap.String("engine", eng.Name), zap.Error(perr))
	}
	if o.cfg.Secrets.Enabled && o.cfg.Secrets.ScanOutput {
		report := o.deps.Scanner.Scan(raw, secrets.LocationOutput, "")
		res.Secrets = report.Findings
		o.deps.Metrics.SecretsDetected(report.Findings)
		if len(report.Findings) > 0 {
			r.warnings = append(r.warnings, fmt.Sprintf("%d possible secrets detected in %s output", len(report.Findings), eng.Name))
		}
	}
	return res, perr == nil, nil
}

// gateInput scans the prompt for secrets. With block_on_detect any finding
// aborts the request with a SecurityError.
func (o *Orchestrator) gateInput(op string, req *schemas.AnalysisRequest) ([]schemas.SecretFinding, []string, error) {
	if !o.cfg.Secrets.Enabled {
		return nil, nil, nil
	}
	var sourcePath string
	if req.Options != nil {
		sourcePath = req.Options.SourcePath
	}
	report := o.deps.Scanner.Scan(req.Prompt, secrets.LocationInput, sourcePath)
	o.deps.Metrics.SecretsDetected(report.Findings)

	var warnings []string
	if report.Truncated {
		warnings = append(warnings, "secret scan covered a truncated prompt")
	}
	if len(report.Findings) == 0 {
		return nil, warnings, nil
	}
	if o.cfg.Secrets.BlockOnDetect {
		e := apperrors.Security(op, "prompt contains %d possible secrets", len(report.Findings))
		patterns := make([]string, 0, len(report.Findings))
		for _, f := range report.Findings {
			patterns = append(patterns, f.Pattern)
		}
		return nil, nil, e.WithDetail("patterns", patterns)
	}
	warnings = append(warnings, fmt.Sprintf("%d possible secrets detected in prompt", len(report.Findings)))
	return report.Findings, warnings, nil
}

// AnalyzeMulti fans req out to engines (all configured engines when empty)
// and merges the results. A failing engine becomes a warning; the request
// fails only when no engine produced a result.
func (o *Orchestrator) AnalyzeMulti(ctx context.Context, engines []string, req *schemas.AnalysisRequest) (*schemas.AggregatedAnalysis, error) {
	id := uuid.NewString()
	start := o.now()
	if err := o.deps.Status.Create(id, schemas.SourceCombined); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, opAnalyzeMulti, err)
	}
	logger := o.logger.With(zap.String("analysis_id", id), zap.String("engine", schemas.SourceCombined))
	logger.Info("Combined analysis started", zap.Strings("engines", engines))

	agg, err := o.analyzeMulti(ctx, id, engines, req, start)
	if err != nil {
		o.fail(id, schemas.SourceCombined, err, logger)
		return nil, err
	}
	o.complete(id, schemas.SourceCombined, agg, logger)
	return agg, nil
}

func (o *Orchestrator) analyzeMulti(ctx context.Context, id string, names []string, req *schemas.AnalysisRequest, start time.Time) (*schemas.AggregatedAnalysis, error) {
	if err := validateRequest(opAnalyzeMulti, req); err != nil {
		return nil, err
	}
	names, err := o.selectEngines(names)
	if err != nil {
		return nil, err
	}
	inputSecrets, warnings, err := o.gateInput(opAnalyzeMulti, req)
	if err != nil {
		return nil, err
	}

	// The override names one executable, so it cannot apply to several engines.
	engineReq := *req
	if req.Options != nil && req.Options.CLIPath != "" {
		opts := *req.Options
		opts.CLIPath = ""
		engineReq.Options = &opts
		warnings = append(warnings, "cli_path override ignored for combined analysis")
	}

	services := make([]cache.ServiceParams, 0, len(names))
	for _, name := range names {
		services = append(services, serviceParams(o.engines[name]))
	}
	key, err := cache.Fingerprint(cache.KeyInput{
		Prompt:   req.Prompt,
		Target:   schemas.SourceCombined,
		Context:  req.Context,
		Options:  engineReq.Options,
		Services: services,
	})
	if err != nil {
		return nil, err
	}

	var markOnce sync.Once
	admitted := func() {
		markOnce.Do(func() { o.markInProgress(id) })
	}

	if cached, ok := cache.Lookup[*schemas.AggregatedAnalysis](ctx, o.deps.Cache, key, schemas.SourceCombined); ok {
		admitted()
		return o.finishCombined(cached, id, req, start, true, warnings, inputSecrets), nil
	}

	runs := make([]*run, len(names))
	errs := make([]error, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			r, err := o.runEngine(gctx, name, &engineReq, admitted)
			runs[i], errs[i] = r, err
			return nil
		})
	}
	_ = g.Wait()

	var (
		results   []*schemas.AnalysisResult
		degraded  []*schemas.AnalysisResult
		failed    []error
		cacheable = true
		attempts  int
	)
	for i, name := range names {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("%s: %w", name, errs[i]))
			warnings = append(warnings, fmt.Sprintf("%s failed: %v", name, errs[i]))
			cacheable = false
			continue
		}
		r := runs[i]
		attempts += r.attempts
		for _, w := range r.warnings {
			warnings = append(warnings, name+": "+w)
		}
		if r.degraded || !r.result.Success {
			// Degraded runs stay out of the merge so they do not dilute confidence,
			// but their raw output and detected secrets are still returned.
			cacheable = false
			degraded = append(degraded, r.result)
			continue
		}
		results = append(results, r.result)
	}
	if len(failed) == len(names) {
		return nil, fmt.Errorf("all %d engines failed: %w", len(names), errors.Join(failed...))
	}

	agg := o.deps.Aggregator.Aggregate(results)
	if len(degraded) > 0 {
		agg.Secrets = aggregator.MergeSecrets(append(append([]*schemas.AnalysisResult{}, results...), degraded...))
		agg.RawOutputs = make(map[string]string, len(degraded))
		for _, d := range degraded {
			agg.RawOutputs[d.Source] = d.RawOutput
		}
		if len(results) == 0 {
			agg.OverallAssessment = fmt.Sprintf("No engine produced a parseable review; raw output from %d engine(s) is attached.", len(degraded))
		}
	}
	if cacheable {
		cache.Put(ctx, o.deps.Cache, key, schemas.SourceCombined, agg)
	}
	out := o.finishCombined(agg, id, req, start, false, warnings, inputSecrets)
	out.Metadata.Attempts = attempts
	return out, nil
}

func (o *Orchestrator) finishCombined(agg *schemas.AggregatedAnalysis, id string, req *schemas.AnalysisRequest, start time.Time, hit bool, warnings []string, inputSecrets []schemas.SecretFinding) *schemas.AggregatedAnalysis {
	agg.ID = id
	agg.Secrets = append(inputSecrets, agg.Secrets...)
	if req.Options != nil && req.Options.SeverityFilter != "" {
		kept := agg.Findings[:0]
		for _, f := range agg.Findings {
			if f.Severity.AtLeast(req.Options.SeverityFilter) {
				kept = append(kept, f)
			}
		}
		agg.Findings = kept
		agg.Summary = aggregator.Summarize(kept)
	}
	agg.Metadata = schemas.ResultMetadata{
		DurationMs: o.now().Sub(start).Milliseconds(),
		CacheHit:   hit,
		Context:    req.Context,
		Warnings:   warnings,
		Engine:     schemas.SourceCombined,
	}
	return agg
}

// selectEngines defaults to every configured engine and rejects unknown or
// repeated names.
func (o *Orchestrator) selectEngines(names []string) ([]string, error) {
	if len(names) == 0 {
		names = o.cfg.EngineNames()
	}
	if len(names) == 0 {
		return nil, apperrors.Validation(opAnalyzeMulti, "engines", "no engines configured")
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := o.engines[n]; !ok {
			return nil, apperrors.Validation(opAnalyzeMulti, "engines", "unknown engine %q", n)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// Detect reports how every configured engine resolves and whether the
// resolved path passes validation. Nothing is executed.
func (o *Orchestrator) Detect() []schemas.EngineStatus {
	names := o.cfg.EngineNames()
	out := make([]schemas.EngineStatus, 0, len(names))
	for _, name := range names {
		det, err := o.deps.Validator.ResolveAndValidate(name, "")
		st := schemas.EngineStatus{CLIDetectionResult: det, Allowed: err == nil, Model: o.engines[name].Config.Model}
		if st.Engine == "" {
			st.Engine = name
		}
		if err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Status returns the tracked state of one analysis.
func (o *Orchestrator) Status(id string) (schemas.AnalysisStatusEntry, error) {
	return o.deps.Status.Get(id)
}

// ListStatus returns tracked analyses, newest first, optionally filtered by state.
func (o *Orchestrator) ListStatus(state schemas.AnalysisState) []schemas.AnalysisStatusEntry {
	return o.deps.Status.List(state)
}

// QueueStats reports admission queue depth per engine.
func (o *Orchestrator) QueueStats() []queue.Stats {
	return o.deps.Queues.Stats()
}

// CacheStats reports cache effectiveness and stored entry counts.
func (o *Orchestrator) CacheStats(ctx context.Context) (schemas.CacheStats, error) {
	return o.deps.Cache.Stats(ctx)
}

// ClearCache removes the entries of one source, or every entry when source is empty.
func (o *Orchestrator) ClearCache(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return o.deps.Cache.Clear(ctx)
	}
	return o.deps.Cache.InvalidateSource(ctx, source)
}

// InvalidateKey removes a single cache entry by fingerprint.
func (o *Orchestrator) InvalidateKey(ctx context.Context, key string) (bool, error) {
	return o.deps.Cache.Invalidate(ctx, key)
}

// SweepCache deletes expired cache entries now.
func (o *Orchestrator) SweepCache(ctx context.Context) (int64, error) {
	return o.deps.Cache.Sweep(ctx)
}

func (o *Orchestrator) markInProgress(id string) {
	if err := o.deps.Status.MarkInProgress(id); err != nil {
		o.logger.Warn("Failed to record analysis start", zap.String("analysis_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) complete(id, source string, result any, logger *zap.Logger) {
	if err := o.deps.Status.Complete(id, result); err != nil {
		logger.Warn("Failed to record analysis completion", zap.Error(err))
	}
	o.deps.Metrics.AnalysisFinished(source, schemas.StateCompleted)
	logger.Info("Analysis completed")
}

func (o *Orchestrator) fail(id, source string, err error, logger *zap.Logger) {
	if serr := o.deps.Status.Fail(id, err); serr != nil {
		logger.Warn("Failed to record analysis failure", zap.Error(serr))
	}
	o.deps.Metrics.AnalysisFinished(source, schemas.StateFailed)
	logger.Warn("Analysis failed", zap.String("code", apperrors.Code(err)), zap.Error(err))
}

func validateRequest(op string, req *schemas.AnalysisRequest) error {
	if req == nil {
		return apperrors.Validation(op, "request", "request is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return apperrors.Validation(op, "prompt", "prompt must not be empty")
	}
	if opts := req.Options; opts != nil {
		if opts.TimeoutMs != nil && *opts.TimeoutMs < 0 {
			return apperrors.Validation(op, "timeout_ms", "timeout_ms must not be negative")
		}
		if opts.SeverityFilter != "" && !opts.SeverityFilter.Valid() {
			return apperrors.Validation(op, "severity_filter", "unknown severity %q", opts.SeverityFilter)
		}
	}
	return nil
}

// applySeverityFilter drops findings below the requested severity and
// recomputes the summary.
func applySeverityFilter(res *schemas.AnalysisResult, opts *schemas.RequestOptions) {
	if opts == nil || opts.SeverityFilter == "" {
		return
	}
	kept := make([]schemas.Finding, 0, len(res.Findings))
	for _, f := range res.Findings {
		if f.Severity.AtLeast(opts.SeverityFilter) {
			kept = append(kept, f)
		}
	}
	res.Findings = kept
	res.Summary = schemas.SummarizeFindings(kept)
}

func serviceParams(e engine.Engine) cache.ServiceParams {
	return cache.ServiceParams{
		Engine:          e.Name,
		Model:           e.Config.Model,
		ReasoningEffort: e.Config.ReasoningEffort,
		Args:            e.Config.Args,
		TemplateID:      e.Config.TemplateID,
		Version:         e.Config.Version,
	}
}
