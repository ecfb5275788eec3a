package schemas

import "strings"

// -- Finding Schemas --

// Severity represents the severity level of a finding, ranging from
// critical to informational. Values are lowercase to match engine output.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities from most to least urgent.
var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Rank returns a sortable weight for the severity. Unknown values rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is as severe as threshold or more.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// ParseSeverity normalizes free-form engine severities ("HIGH", "Critical", "informational").
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// FindingType classifies what kind of issue a finding describes.
type FindingType string

const (
	FindingBug         FindingType = "bug"
	FindingSecurity    FindingType = "security"
	FindingPerformance FindingType = "performance"
	FindingStyle       FindingType = "style"
	FindingSuggestion  FindingType = "suggestion"
)

// ParseFindingType normalizes an engine-provided type, defaulting to suggestion.
func ParseFindingType(raw string) FindingType {
	switch t := FindingType(strings.ToLower(strings.TrimSpace(raw))); t {
	case FindingBug, FindingSecurity, FindingPerformance, FindingStyle, FindingSuggestion:
		return t
	case "vulnerability":
		return FindingSecurity
	default:
		return FindingSuggestion
	}
}

// LineRange is an inclusive span of source lines.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of lines covered by the range.
func (r LineRange) Len() int {
	if r.End < r.Start {
		return 1
	}
	return r.End - r.Start + 1
}

// Finding is a single issue reported by one analysis engine.
type Finding struct {
	Type        FindingType `json:"type"`
	Severity    Severity    `json:"severity"`
	Line        *int        `json:"line,omitempty"`
	LineRange   *LineRange  `json:"line_range,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Suggestion  string      `json:"suggestion,omitempty"`
	CodeSnippet string      `json:"code_snippet,omitempty"`
	// Source is the engine that reported the finding.
	Source string `json:"source,omitempty"`
}

// Confidence expresses how many engines agreed on a finding.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AggregatedFinding is a finding merged across engines.
type AggregatedFinding struct {
	Finding
	Sources    []string   `json:"sources"`
	Confidence Confidence `json:"confidence"`
}
