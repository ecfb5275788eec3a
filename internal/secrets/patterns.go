package secrets

import (
	"math"
	"regexp"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
)

// Validator performs additional checks on a matched value.
type Validator func(value string) bool

// Detector is one labeled secret pattern.
type Detector struct {
	Name     string
	Category schemas.SecretCategory
	Severity schemas.Severity
	Regex    *regexp.Regexp
	// Group selects the capture group holding the secret value. Zero uses the whole match.
	Group int
	// LowSpecificity detectors match generic shapes, so they are subject to the
	// minimum length rule and lose to overlapping specific detectors.
	LowSpecificity bool
	// MinLength overrides the scanner-wide minimum for low-specificity detectors.
	MinLength      int
	Validators     []Validator
	Description    string
	Recommendation string
}

// minGenericEntropy rejects generic key values that look like words or repeats.
const minGenericEntropy = 3.0

// DefaultDetectors returns the built-in detector library.
func DefaultDetectors() []*Detector {
	return []*Detector{
		{
			Name:           "aws_access_key",
			Category:       schemas.CategoryAPIKey,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			Description:    "AWS access key ID",
			Recommendation: "Deactivate the key in IAM and load credentials from the environment or an instance role.",
		},
		{
			Name:           "google_api_key",
			Category:       schemas.CategoryAPIKey,
			Severity:       schemas.SeverityHigh,
			Regex:          regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`),
			Description:    "Google API key",
			Recommendation: "Regenerate the key in the Cloud console and restrict it by API and referrer.",
		},
		{
			Name:           "stripe_secret_key",
			Category:       schemas.CategoryAPIKey,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`\b(?:sk|rk)_live_[0-9A-Za-z]{24,99}\b`),
			Description:    "Stripe live secret key",
			Recommendation: "Roll the key in the Stripe dashboard and keep it server side.",
		},
		{
			Name:           "anthropic_api_key",
			Category:       schemas.CategoryAPIKey,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}`),
			Description:    "Anthropic API key",
			Recommendation: "Revoke the key in the console and read it from the environment.",
		},
		{
			Name:           "openai_api_key",
			Category:       schemas.CategoryAPIKey,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`\bsk-(?:proj-[A-Za-z0-9_\-]{20,}|[A-Za-z0-9]{32,})`),
			Description:    "OpenAI API key",
			Recommendation: "Revoke the key in the dashboard and read it from the environment.",
		},
		{
			Name:           "generic_api_key",
			Category:       schemas.CategoryAPIKey,
			Severity:       schemas.SeverityHigh,
			Regex:          regexp.MustCompile(`(?i)\b(?:api[_-]?key|access[_-]?key|secret[_-]?key|client[_-]?secret)\b["']?\s*[:=]\s*["']?([A-Za-z0-9_\-+/]{16,})`),
			Group:          1,
			LowSpecificity: true,
			Validators:     []Validator{minEntropy(minGenericEntropy)},
			Description:    "Hardcoded API key assignment",
			Recommendation: "Move the key to a secret manager or environment variable.",
		},
		{
			Name:           "github_token",
			Category:       schemas.CategoryToken,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
			Description:    "GitHub token",
			Recommendation: "Revoke the token in GitHub settings and use a short-lived credential.",
		},
		{
			Name:           "slack_token",
			Category:       schemas.CategoryToken,
			Severity:       schemas.SeverityHigh,
			Regex:          regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`),
			Description:    "Slack token",
			Recommendation: "Revoke the token from the Slack app configuration.",
		},
		{
			Name:           "jwt",
			Category:       schemas.CategoryToken,
			Severity:       schemas.SeverityHigh,
			Regex:          regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`),
			Description:    "JSON Web Token",
			Recommendation: "Do not embed issued tokens; rotate the signing key if the token is long lived.",
		},
		{
			Name:           "bearer_token",
			Category:       schemas.CategoryToken,
			Severity:       schemas.SeverityMedium,
			Regex:          regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9\-._~+/]{20,}=*)`),
			Group:          1,
			LowSpecificity: true,
			Validators:     []Validator{minEntropy(minGenericEntropy)},
			Description:    "Bearer token in an authorization header",
			Recommendation: "Inject the token at runtime instead of hardcoding it.",
		},
		{
			Name:           "password_assignment",
			Category:       schemas.CategoryCredential,
			Severity:       schemas.SeverityHigh,
			Regex:          regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret)\b["']?\s*[:=]\s*["']([^"'\s]{4,})["']`),
			Group:          1,
			LowSpecificity: true,
			Description:    "Hardcoded password",
			Recommendation: "Load the password from a secret store and rotate the exposed value.",
		},
		{
			Name:           "connection_string",
			Category:       schemas.CategoryConnectionString,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|rediss|amqps?|mssql|sqlserver)://[^\s:/@'"]+:([^\s@/'"]+)@[^\s'"]+`),
			Group:          1,
			Description:    "Database or broker URL with embedded credentials",
			Recommendation: "Remove the password from the URL and supply it through configuration.",
		},
		{
			Name:           "private_key",
			Category:       schemas.CategoryPrivateKey,
			Severity:       schemas.SeverityCritical,
			Regex:          regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----`),
			Description:    "Private key block",
			Recommendation: "Remove the key from the source, revoke it and issue a new key pair.",
		},
	}
}

func minEntropy(threshold float64) Validator {
	return func(value string) bool {
		return shannonEntropy(value) >= threshold
	}
}

// shannonEntropy returns the entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]float64)
	for _, r := range s {
		freq[r]++
	}
	var entropy float64
	length := float64(len([]rune(s)))
	for _, count := range freq {
		p := count / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
