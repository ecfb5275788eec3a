// Package aggregator merges findings reported by several engines for the same
// request into one deduplicated, confidence-scored analysis.
package aggregator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

// recommendationThreshold is the similarity above which two recommendations are duplicates.
const recommendationThreshold = 0.8

// Confidence tiers by the share of engines that reported a finding.
const (
	highConfidenceRatio   = 0.8
	mediumConfidenceRatio = 0.5
)

// Aggregator deduplicates and scores findings across engines.
type Aggregator struct {
	dedup     bool
	threshold float64
	logger    *zap.Logger
}

// New creates an Aggregator. A non-positive threshold falls back to 0.8.
func New(cfg config.AggregatorConfig, logger *zap.Logger) *Aggregator {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Aggregator{
		dedup:     cfg.DedupEnabled,
		threshold: threshold,
		logger:    logger.Named("aggregator"),
	}
}

// Aggregate merges the results of every engine that ran. The caller assigns
// the ID and request metadata.
func (a *Aggregator) Aggregate(results []*schemas.AnalysisResult) *schemas.AggregatedAnalysis {
	engines := make([]string, 0, len(results))
	var flat []schemas.Finding
	for _, r := range results {
		if r == nil {
			continue
		}
		engines = append(engines, r.Source)
		for _, f := range r.Findings {
			if f.Source == "" {
				f.Source = r.Source
			}
			flat = append(flat, f)
		}
	}

	groups := a.group(flat)
	findings := make([]schemas.AggregatedFinding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, merge(flat, g, len(engines)))
	}
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() > findings[j].Severity.Rank()
	})

	summary := Summarize(findings)
	a.logger.Debug("Aggregated findings",
		zap.Strings("engines", engines),
		zap.Int("reported", len(flat)),
		zap.Int("merged", len(findings)))

	return &schemas.AggregatedAnalysis{
		Timestamp:         time.Now().UTC(),
		Source:            schemas.SourceCombined,
		Engines:           engines,
		Summary:           summary,
		Findings:          findings,
		OverallAssessment: assess(len(engines), findings, summary),
		Recommendations:   mergeRecommendations(results),
		Secrets:           MergeSecrets(results),
		Success:           len(engines) > 0,
	}
}

// group returns index groups of equivalent findings. Each unvisited finding
// seeds a group and only its line and title-key bucket mates are compared.
func (a *Aggregator) group(flat []schemas.Finding) [][]int {
	if !a.dedup {
		groups := make([][]int, len(flat))
		for i := range flat {
			groups[i] = []int{i}
		}
		return groups
	}

	byLine := make(map[int][]int)
	byTitle := make(map[string][]int)
	for i, f := range flat {
		if n, ok := lineKey(f); ok {
			byLine[n] = append(byLine[n], i)
		}
		if key := titleKey(f.Title); key != "" {
			byTitle[key] = append(byTitle[key], i)
		}
	}

	visited := make([]bool, len(flat))
	var groups [][]int
	for i, seed := range flat {
		if visited[i] {
			continue
		}
		visited[i] = true
		group := []int{i}
		for _, j := range candidates(seed, byLine, byTitle) {
			if visited[j] {
				continue
			}
			if Similarity(seed, flat[j]) >= a.threshold {
				visited[j] = true
				group = append(group, j)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// lineKey is the line bucket of f: the exact line when set, else the range start.
func lineKey(f schemas.Finding) (int, bool) {
	switch {
	case f.Line != nil:
		return *f.Line, true
	case f.LineRange != nil:
		return f.LineRange.Start, true
	default:
		return 0, false
	}
}

// candidates returns the sorted, distinct bucket mates of f.
func candidates(f schemas.Finding, byLine map[int][]int, byTitle map[string][]int) []int {
	seen := make(map[int]struct{})
	var out []int
	add := func(idx []int) {
		for _, j := range idx {
			if _, ok := seen[j]; !ok {
				seen[j] = struct{}{}
				out = append(out, j)
			}
		}
	}
	if n, ok := lineKey(f); ok {
		add(byLine[n])
	}
	if key := titleKey(f.Title); key != "" {
		add(byTitle[key])
	}
	sort.Ints(out)
	return out
}

func merge(flat []schemas.Finding, group []int, engineCount int) schemas.AggregatedFinding {
	out := schemas.AggregatedFinding{Finding: flat[group[0]]}
	out.Source = ""
	seen := make(map[string]struct{})
	for _, idx := range group {
		f := flat[idx]
		out.Severity = schemas.MaxSeverity(out.Severity, f.Severity)
		if out.Suggestion == "" {
			out.Suggestion = f.Suggestion
		}
		if out.CodeSnippet == "" {
			out.CodeSnippet = f.CodeSnippet
		}
		if _, ok := seen[f.Source]; !ok {
			seen[f.Source] = struct{}{}
			out.Sources = append(out.Sources, f.Source)
		}
	}
	out.Confidence = confidence(len(out.Sources), engineCount)
	return out
}

// confidence maps the share of reporting engines to a tier.
func confidence(reporting, engines int) schemas.Confidence {
	if engines <= 0 {
		return schemas.ConfidenceLow
	}
	ratio := float64(reporting) / float64(engines)
	switch {
	case ratio >= highConfidenceRatio:
		return schemas.ConfidenceHigh
	case ratio >= mediumConfidenceRatio:
		return schemas.ConfidenceMedium
	default:
		return schemas.ConfidenceLow
	}
}

// Summarize counts findings by severity and computes the consensus share.
func Summarize(findings []schemas.AggregatedFinding) schemas.Summary {
	var s schemas.Summary
	high := 0
	for _, f := range findings {
		s.Add(f.Severity)
		if f.Confidence == schemas.ConfidenceHigh {
			high++
		}
	}
	consensus := 100.0
	if len(findings) > 0 {
		consensus = math.Round(float64(high)/float64(len(findings))*1000) / 10
	}
	s.Consensus = &consensus
	return s
}

func assess(engines int, findings []schemas.AggregatedFinding, s schemas.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Combined review from %d %s", engines, plural(engines, "engine", "engines"))
	if len(findings) == 0 {
		b.WriteString(" found no issues.")
		return b.String()
	}
	fmt.Fprintf(&b, " found %d unique %s", s.Total, plural(s.Total, "issue", "issues"))
	if s.Critical > 0 || s.High > 0 {
		fmt.Fprintf(&b, ", including %d critical and %d high severity", s.Critical, s.High)
	}
	b.WriteString(". ")
	if *s.Consensus > 50 {
		fmt.Fprintf(&b, "Engines agree strongly: %.0f%% of findings have high confidence.", *s.Consensus)
	} else {
		fmt.Fprintf(&b, "Engines agree weakly: %.0f%% of findings have high confidence; review single-engine findings carefully.", *s.Consensus)
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// mergeRecommendations drops near-duplicates, keeping first appearance order.
func mergeRecommendations(results []*schemas.AnalysisResult) []string {
	var out []string
	for _, r := range results {
		if r == nil {
			continue
		}
	next:
		for _, rec := range r.Recommendations {
			rec = strings.TrimSpace(rec)
			if rec == "" {
				continue
			}
			for _, kept := range out {
				if TextSimilarity(kept, rec) >= recommendationThreshold {
					continue next
				}
			}
			out = append(out, rec)
		}
	}
	return out
}

// MergeSecrets unions the secret findings of results, dropping repeats of the
// same pattern at the same position.
func MergeSecrets(results []*schemas.AnalysisResult) []schemas.SecretFinding {
	type key struct {
		pattern, location string
		line, column      int
	}
	seen := make(map[key]struct{})
	var out []schemas.SecretFinding
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, s := range r.Secrets {
			k := key{s.Pattern, s.Location, s.Line, s.Column}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
