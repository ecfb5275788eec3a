package schemas

import "time"

// SourceCombined tags results merged from more than one engine.
const SourceCombined = "combined"

// RequestContext describes the code under review. All fields are optional.
type RequestContext struct {
	Language    string   `json:"language,omitempty" mapstructure:"language"`
	Framework   string   `json:"framework,omitempty" mapstructure:"framework"`
	Platform    string   `json:"platform,omitempty" mapstructure:"platform"`
	ThreatModel string   `json:"threat_model,omitempty" mapstructure:"threat_model"`
	Scope       string   `json:"scope,omitempty" mapstructure:"scope"`
	Focus       []string `json:"focus,omitempty" mapstructure:"focus"`
}

// RequestOptions tunes a single request.
type RequestOptions struct {
	// TimeoutMs bounds one engine invocation. Zero disables the timeout.
	TimeoutMs *int `json:"timeout_ms,omitempty"`
	// SeverityFilter drops findings below this severity.
	SeverityFilter Severity `json:"severity_filter,omitempty"`
	// CLIPath overrides the resolved engine executable. It is still validated.
	CLIPath string `json:"cli_path,omitempty"`
	// SourcePath names the file the prompt came from, for secret exclude rules.
	SourcePath string `json:"source_path,omitempty"`
}

// AnalysisRequest is the immutable input to one analysis.
type AnalysisRequest struct {
	Prompt  string          `json:"prompt"`
	Context *RequestContext `json:"context,omitempty"`
	Options *RequestOptions `json:"options,omitempty"`
}

// Summary counts findings by severity.
type Summary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	// Consensus is the share of high-confidence findings, set on combined results.
	Consensus *float64 `json:"consensus,omitempty"`
}

// Add counts one finding of the given severity.
func (s *Summary) Add(sev Severity) {
	s.Total++
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	default:
		s.Info++
	}
}

// SummarizeFindings builds a Summary for a finding list.
func SummarizeFindings(findings []Finding) Summary {
	var s Summary
	for _, f := range findings {
		s.Add(f.Severity)
	}
	return s
}

// ResultMetadata carries request bookkeeping alongside a result.
type ResultMetadata struct {
	DurationMs int64           `json:"duration_ms"`
	CacheHit   bool            `json:"cache_hit"`
	Context    *RequestContext `json:"context,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Engine     string          `json:"engine,omitempty"`
	CLIPath    string          `json:"cli_path,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
}

// AnalysisResult is the outcome of one engine run.
type AnalysisResult struct {
	ID                string          `json:"id"`
	Timestamp         time.Time       `json:"timestamp"`
	Source            string          `json:"source"`
	Success           bool            `json:"success"`
	Summary           Summary         `json:"summary"`
	Findings          []Finding       `json:"findings"`
	OverallAssessment string          `json:"overall_assessment"`
	Recommendations   []string        `json:"recommendations,omitempty"`
	Secrets           []SecretFinding `json:"secrets,omitempty"`
	// RawOutput is kept only when the engine output could not be parsed.
	RawOutput string         `json:"raw_output,omitempty"`
	Metadata  ResultMetadata `json:"metadata"`
}

// AggregatedAnalysis is the merged outcome of a multi-engine run.
type AggregatedAnalysis struct {
	ID                string              `json:"id"`
	Timestamp         time.Time           `json:"timestamp"`
	Source            string              `json:"source"`
	Engines           []string            `json:"engines"`
	// Success is false when no engine produced a parseable review.
	Success           bool                `json:"success"`
	Summary           Summary             `json:"summary"`
	Findings          []AggregatedFinding `json:"findings"`
	OverallAssessment string              `json:"overall_assessment"`
	Recommendations   []string            `json:"recommendations,omitempty"`
	Secrets           []SecretFinding     `json:"secrets,omitempty"`
	// RawOutputs holds, per engine, output that could not be parsed.
	RawOutputs        map[string]string   `json:"raw_outputs,omitempty"`
	Metadata          ResultMetadata      `json:"metadata"`
}
