package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
)

const (
	opParse = "engine.Parse"

	// maxRawOutput bounds the raw output kept on a degraded result.
	maxRawOutput = 64 * 1024
)

// jsonObjectRegex extracts a JSON object wrapped in a markdown fence. \x60 is a backtick.
var jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// Report is the JSON document engines are asked to produce.
type Report struct {
	Findings          []ReportFinding `json:"findings"`
	OverallAssessment string          `json:"overallAssessment"`
	Recommendations   []string        `json:"recommendations"`
}

// ReportFinding is one finding as emitted by an engine.
type ReportFinding struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Line        *int   `json:"line"`
	LineRange   *struct {
		Start int `json:"start"`
		End   int `json:"end"`
	} `json:"lineRange"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	CodeSnippet string `json:"codeSnippet"`
}

// ParseJSONResponse extracts and decodes a JSON object from engine output,
// tolerating markdown fences and surrounding prose.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	if strings.HasPrefix(response, "```") {
		if m := jsonObjectRegex.FindStringSubmatch(response); len(m) > 1 {
			candidate = m[1]
		}
	} else if !strings.HasPrefix(response, "{") {
		first := strings.Index(response, "{")
		last := strings.LastIndex(response, "}")
		if first != -1 && last > first {
			candidate = response[first : last+1]
		}
	}

	var out T
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine JSON: %w (extracted: %s)", err, truncate(candidate, 200))
	}
	return &out, nil
}

// Parse converts raw engine output into a result. When the output cannot be
// interpreted the returned result is degraded (Success false, RawOutput set)
// and the error is a Parse error for the caller to record as a warning.
func Parse(engineName, raw string) (*schemas.AnalysisResult, error) {
	result := &schemas.AnalysisResult{
		Timestamp: time.Now().UTC(),
		Source:    engineName,
		Findings:  []schemas.Finding{},
	}

	report, err := ParseJSONResponse[Report](raw)
	if err != nil {
		result.Success = false
		result.RawOutput = truncate(raw, maxRawOutput)
		result.OverallAssessment = "Engine output could not be parsed as structured findings; raw output attached."
		return result, apperrors.Parse(opParse, err, "%s returned unstructured output", engineName).
			WithDetail("engine", engineName)
	}

	for _, rf := range report.Findings {
		if strings.TrimSpace(rf.Title) == "" && strings.TrimSpace(rf.Description) == "" {
			continue
		}
		f := schemas.Finding{
			Type:        schemas.ParseFindingType(rf.Type),
			Severity:    schemas.ParseSeverity(rf.Severity),
			Title:       strings.TrimSpace(rf.Title),
			Description: strings.TrimSpace(rf.Description),
			Suggestion:  strings.TrimSpace(rf.Suggestion),
			CodeSnippet: rf.CodeSnippet,
			Source:      engineName,
		}
		if rf.Line != nil && *rf.Line > 0 {
			line := *rf.Line
			f.Line = &line
		}
		if rf.LineRange != nil && rf.LineRange.Start > 0 {
			r := schemas.LineRange{Start: rf.LineRange.Start, End: rf.LineRange.End}
			if r.End < r.Start {
				r.End = r.Start
			}
			f.LineRange = &r
		}
		result.Findings = append(result.Findings, f)
	}

	result.Success = true
	result.Summary = schemas.SummarizeFindings(result.Findings)
	result.OverallAssessment = strings.TrimSpace(report.OverallAssessment)
	for _, rec := range report.Recommendations {
		if rec = strings.TrimSpace(rec); rec != "" {
			result.Recommendations = append(result.Recommendations, rec)
		}
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
