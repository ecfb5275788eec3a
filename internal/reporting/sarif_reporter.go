// internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "Scalpel Review"
	ToolInfoURI  = "https://github.com/xkilldash9x/scalpel-review"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	rulePrefix       = "SCALPEL-"
	secretRulePrefix = "SCALPEL-SECRET-"
	// defaultArtifact is used when the prompt did not come from a file.
	defaultArtifact = "prompt"
)

// ruleIDSanitizer replaces characters not allowed in rule IDs. Runs collapse
// to a single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint identifies a rule definition by its content.
type RuleFingerprint string

// calculateFingerprint hashes the defining characteristics of a finding.
func calculateFingerprint(finding schemas.Finding) RuleFingerprint {
	data := struct {
		Type        schemas.FindingType
		Title       string
		Description string
		Suggestion  string
	}{
		Type:        finding.Type,
		Title:       strings.TrimSpace(finding.Title),
		Description: finding.Description,
		Suggestion:  finding.Suggestion,
	}

	h := sha256.New()
	// Encoding errors are highly unlikely for this simple struct.
	_ = json.NewEncoder(h).Encode(data)
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// SARIFReporter implements Reporter for the SARIF 2.1.0 format. It is safe
// for concurrent use.
type SARIFReporter struct {
	writer   io.WriteCloser
	logger   *zap.Logger
	log      *sarif.Log
	artifact string
	// mu protects the log structure and the maps.
	mu sync.Mutex
	// rulesByFingerprint maps a content fingerprint to the generated Rule ID.
	rulesByFingerprint map[RuleFingerprint]string
	// ruleIDUsage counts uses of a base Rule ID to resolve collisions.
	ruleIDUsage map[string]int
	// secretRules tracks rule IDs registered for secret patterns.
	secretRules map[string]struct{}
}

// NewSARIFReporter creates a reporter that writes SARIF on Close.
func NewSARIFReporter(writer io.WriteCloser, toolVersion, artifactURI string, logger *zap.Logger) *SARIFReporter {
	if artifactURI == "" {
		artifactURI = defaultArtifact
	}
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty slices (not nil) for proper JSON marshalling.
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             logger.Named("sarif_reporter"),
		log:                log,
		artifact:           artifactURI,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
		secretRules:        make(map[string]struct{}),
	}
}

// WriteResult converts the findings and secrets of one engine run.
func (r *SARIFReporter) WriteResult(res *schemas.AnalysisResult) error {
	if res == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, finding := range res.Findings {
		props := sarif.PropertyBag{"type": string(finding.Type)}
		if finding.Source != "" {
			props["engine"] = finding.Source
		}
		r.addFinding(finding, props)
	}
	r.addSecrets(res.Secrets)
	return nil
}

// WriteAggregated converts a combined result. Engine agreement is kept in
// the result properties.
func (r *SARIFReporter) WriteAggregated(res *schemas.AggregatedAnalysis) error {
	if res == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, finding := range res.Findings {
		r.addFinding(finding.Finding, sarif.PropertyBag{
			"type":       string(finding.Type),
			"sources":    finding.Sources,
			"confidence": string(finding.Confidence),
		})
	}
	r.addSecrets(res.Secrets)
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Debug("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Debug("Wrote SARIF report", zap.Duration("duration", time.Since(startTime)))
	return nil
}

// addFinding must be called with the mutex held.
func (r *SARIFReporter) addFinding(finding schemas.Finding, props sarif.PropertyBag) {
	messageText := finding.Description
	if messageText == "" {
		messageText = finding.Title
	}
	result := &sarif.Result{
		RuleID:     r.ensureRule(finding),
		Message:    &sarif.Message{Text: pString(messageText)},
		Level:      mapSeverityToSARIFLevel(finding.Severity),
		Locations:  r.createLocations(findingRegion(finding), finding.Title),
		Properties: &props,
	}
	run := r.log.Runs[0]
	run.Results = append(run.Results, result)
}

// addSecrets must be called with the mutex held.
func (r *SARIFReporter) addSecrets(secrets []schemas.SecretFinding) {
	run := r.log.Runs[0]
	for _, s := range secrets {
		ruleID := r.ensureSecretRule(s)
		text := fmt.Sprintf("Possible %s in %s: %s", strings.ReplaceAll(string(s.Category), "_", " "), s.Location, s.Masked)
		props := sarif.PropertyBag{"location": s.Location, "category": string(s.Category)}
		run.Results = append(run.Results, &sarif.Result{
			RuleID:     ruleID,
			Message:    &sarif.Message{Text: pString(text)},
			Level:      mapSeverityToSARIFLevel(s.Severity),
			Locations:  r.createLocations(&sarif.Region{StartLine: s.Line, StartColumn: s.Column}, s.Pattern),
			Properties: &props,
		})
	}
}

// sanitizeRuleName creates a standardized base name for the rule ID.
func sanitizeRuleName(name string) string {
	sanitized := strings.ToUpper(name)
	sanitized = ruleIDSanitizer.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		return "UNNAMED-FINDING"
	}
	return sanitized
}

// ensureRule returns the rule ID for the finding, registering a new rule for
// each distinct fingerprint. Must be called with the mutex held.
func (r *SARIFReporter) ensureRule(finding schemas.Finding) string {
	fingerprint := calculateFingerprint(finding)
	if ruleID, exists := r.rulesByFingerprint[fingerprint]; exists {
		return ruleID
	}

	baseRuleID := rulePrefix + sanitizeRuleName(finding.Title)
	usageCount := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usageCount + 1

	finalRuleID := baseRuleID
	if usageCount > 0 {
		// Same title, different content.
		finalRuleID = fmt.Sprintf("%s-%d", baseRuleID, usageCount)
	}

	markdownHelp := fmt.Sprintf("**Finding:** %s\n\n**Description:**\n%s\n\n**Suggestion:**\n%s",
		finding.Title, finding.Description, finding.Suggestion)

	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               finalRuleID,
		Name:             pString(finding.Title),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(finding.Title)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(finding.Description)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(finding.Suggestion),
			Markdown: pString(markdownHelp),
		},
		Properties: &sarif.PropertyBag{
			"tags": []string{string(finding.Type), "scalpel-review"},
		},
	})
	r.rulesByFingerprint[fingerprint] = finalRuleID
	return finalRuleID
}

// ensureSecretRule registers one rule per secret pattern. Must be called with
// the mutex held.
func (r *SARIFReporter) ensureSecretRule(s schemas.SecretFinding) string {
	ruleID := secretRulePrefix + sanitizeRuleName(s.Pattern)
	if _, exists := r.secretRules[ruleID]; exists {
		return ruleID
	}
	r.secretRules[ruleID] = struct{}{}

	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               ruleID,
		Name:             pString(s.Pattern),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString("Hard-coded " + strings.ReplaceAll(string(s.Category), "_", " "))},
		Help: &sarif.MultiformatMessageString{
			Text: pString("Remove the credential from the code and rotate it."),
		},
		Properties: &sarif.PropertyBag{
			"tags": []string{"security", "secret", string(s.Category)},
		},
	})
	return ruleID
}

// findingRegion maps a finding's line information to a SARIF region.
func findingRegion(finding schemas.Finding) *sarif.Region {
	switch {
	case finding.LineRange != nil:
		return &sarif.Region{StartLine: finding.LineRange.Start, EndLine: finding.LineRange.End}
	case finding.Line != nil:
		return &sarif.Region{StartLine: *finding.Line}
	default:
		return nil
	}
}

// createLocations places a result in the reviewed artifact.
func (r *SARIFReporter) createLocations(region *sarif.Region, label string) []*sarif.Location {
	if region != nil && region.StartLine <= 0 {
		region = nil
	}
	location := &sarif.Location{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(r.artifact)},
			Region:           region,
		},
	}
	if label != "" {
		location.Message = &sarif.Message{Text: pString(label)}
	}
	return []*sarif.Location{location}
}

// mapSeverityToSARIFLevel converts a review severity to the SARIF level.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch severity {
	case schemas.SeverityCritical, schemas.SeverityHigh:
		return sarif.LevelError
	case schemas.SeverityMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}
