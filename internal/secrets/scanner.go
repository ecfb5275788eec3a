// Package secrets detects hardcoded credentials in prompts and engine output.
// Scanning is bounded: input and every line are truncated before matching.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

// Locations recorded on findings.
const (
	LocationInput  = "input"
	LocationOutput = "output"
)

// placeholderMarkers suppress matches on lines that look like documentation or templating.
var placeholderMarkers = []string{
	"example",
	"xxx",
	"changeme",
	"change_me",
	"placeholder",
	"your_",
	"your-",
	"<your",
	"dummy",
	"sample",
	"redacted",
	"${",
	"$(",
	"{{",
	"process.env",
	"os.environ",
	"getenv",
}

// Report is the outcome of one scan.
type Report struct {
	Findings []schemas.SecretFinding
	// Truncated is set when input or any line exceeded its length limit.
	Truncated bool
	// Excluded is set when the source path matched an exclude pattern.
	Excluded bool
}

// Scanner matches enabled detectors against text.
type Scanner struct {
	detectors []*Detector
	excludes  []*regexp.Regexp
	maxInput  int
	maxLine   int
	minMatch  int
	logger    *zap.Logger
}

// New builds a Scanner from configuration. Custom patterns and exclude
// patterns that do not compile are logged and skipped.
func New(cfg config.SecretsConfig, logger *zap.Logger) *Scanner {
	s := &Scanner{
		maxInput: cfg.MaxInputLength,
		maxLine:  cfg.MaxLineLength,
		minMatch: cfg.MinMatchLength,
		logger:   logger.Named("secrets"),
	}

	for _, d := range DefaultDetectors() {
		if categoryEnabled(cfg.Categories, d.Category) {
			s.detectors = append(s.detectors, d)
		}
	}
	for _, cp := range cfg.CustomPatterns {
		d, err := customDetector(cp)
		if err != nil {
			s.logger.Warn("Skipping invalid custom secret pattern", zap.String("pattern", cp.Name), zap.Error(err))
			continue
		}
		if categoryEnabled(cfg.Categories, d.Category) {
			s.detectors = append(s.detectors, d)
		}
	}
	for _, p := range cfg.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			s.logger.Warn("Skipping invalid exclude pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		s.excludes = append(s.excludes, re)
	}
	return s
}

// categoryEnabled treats categories absent from the toggle map as enabled.
func categoryEnabled(toggles map[string]bool, c schemas.SecretCategory) bool {
	enabled, ok := toggles[string(c)]
	return !ok || enabled
}

func customDetector(cp config.CustomPattern) (*Detector, error) {
	if cp.Name == "" {
		return nil, fmt.Errorf("custom pattern has no name")
	}
	re, err := regexp.Compile(cp.Regex)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", cp.Regex, err)
	}
	category := schemas.SecretCategory(cp.Category)
	if category == "" {
		category = schemas.CategoryCredential
	}
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	return &Detector{
		Name:           cp.Name,
		Category:       category,
		Severity:       schemas.ParseSeverity(cp.Severity),
		Regex:          re,
		Group:          group,
		Description:    cp.Description,
		Recommendation: cp.Recommendation,
	}, nil
}

// Detectors returns the names of the enabled detectors.
func (s *Scanner) Detectors() []string {
	names := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		names[i] = d.Name
	}
	return names
}

// Excluded reports whether path matches an exclude pattern.
func (s *Scanner) Excluded(path string) bool {
	if path == "" {
		return false
	}
	path = strings.ReplaceAll(path, "\\", "/")
	for _, re := range s.excludes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Scan checks text for secrets. path names the file the text came from and
// may be empty; location is recorded on each finding.
func (s *Scanner) Scan(text, location, path string) *Report {
	report := &Report{}
	if s.Excluded(path) {
		report.Excluded = true
		return report
	}

	if s.maxInput > 0 && len(text) > s.maxInput {
		text = truncate(text, s.maxInput)
		report.Truncated = true
	}

	for i, line := range strings.Split(text, "\n") {
		if s.maxLine > 0 && len(line) > s.maxLine {
			line = truncate(line, s.maxLine)
			report.Truncated = true
		}
		report.Findings = append(report.Findings, s.scanLine(line, i+1, location)...)
	}

	if len(report.Findings) > 0 {
		s.logger.Debug("Secrets detected",
			zap.String("location", location),
			zap.Int("count", len(report.Findings)))
	}
	return report
}

type match struct {
	detector   *Detector
	start, end int
	value      string
}

func (s *Scanner) scanLine(line string, lineNo int, location string) []schemas.SecretFinding {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	lower := strings.ToLower(line)
	if hasPlaceholder(lower) {
		return nil
	}

	var matches []match
	for _, d := range s.detectors {
		if m, ok := s.matchDetector(d, line); ok {
			matches = append(matches, m)
		}
	}
	matches = suppressOverlaps(matches)

	out := make([]schemas.SecretFinding, 0, len(matches))
	for _, m := range matches {
		out = append(out, schemas.SecretFinding{
			Pattern:        m.detector.Name,
			Category:       m.detector.Category,
			Severity:       m.detector.Severity,
			Line:           lineNo,
			Column:         utf8.RuneCountInString(line[:m.start]) + 1,
			Masked:         Mask(m.value),
			Description:    m.detector.Description,
			Recommendation: m.detector.Recommendation,
			Location:       location,
		})
	}
	return out
}

// matchDetector returns the first acceptable match of d on line. A panic
// inside a detector is logged and the detector skipped for this line.
func (s *Scanner) matchDetector(d *Detector, line string) (m match, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Secret detector failed", zap.String("pattern", d.Name), zap.Any("panic", r))
			m, ok = match{}, false
		}
	}()

	loc := d.Regex.FindStringSubmatchIndex(line)
	if loc == nil {
		return match{}, false
	}
	start, end := loc[0], loc[1]
	if g := d.Group; g > 0 && 2*g+1 < len(loc) && loc[2*g] >= 0 {
		start, end = loc[2*g], loc[2*g+1]
	}
	value := line[start:end]

	if d.LowSpecificity {
		minLen := s.minMatch
		if d.MinLength > 0 {
			minLen = d.MinLength
		}
		if utf8.RuneCountInString(value) < minLen {
			return match{}, false
		}
	}
	for _, validate := range d.Validators {
		if !validate(value) {
			return match{}, false
		}
	}
	return match{detector: d, start: start, end: end, value: value}, true
}

// suppressOverlaps drops low-specificity matches that overlap a specific one,
// then orders the rest by column.
func suppressOverlaps(matches []match) []match {
	if len(matches) < 2 {
		return matches
	}
	var specific, generic []match
	for _, m := range matches {
		if m.detector.LowSpecificity {
			generic = append(generic, m)
		} else {
			specific = append(specific, m)
		}
	}
	kept := specific
	for _, g := range generic {
		overlapped := false
		for _, sp := range specific {
			if g.start < sp.end && sp.start < g.end {
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, g)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}

func hasPlaceholder(lowerLine string) bool {
	for _, marker := range placeholderMarkers {
		if strings.Contains(lowerLine, marker) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Mask hides a secret, revealing at most two leading characters and the length.
func Mask(value string) string {
	runes := []rune(value)
	reveal := 0
	switch {
	case len(runes) >= 12:
		reveal = 2
	case len(runes) >= 6:
		reveal = 1
	}
	return fmt.Sprintf("%s****[%d chars]", string(runes[:reveal]), len(runes))
}
