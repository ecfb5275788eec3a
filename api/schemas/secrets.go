package schemas

// SecretCategory groups secret detectors.
type SecretCategory string

const (
	CategoryAPIKey           SecretCategory = "api_key"
	CategoryToken            SecretCategory = "token"
	CategoryCredential       SecretCategory = "credential"
	CategoryConnectionString SecretCategory = "connection_string"
	CategoryPrivateKey       SecretCategory = "private_key"
)

// SecretFinding is a possible credential found in prompt or engine output.
// The matched value is never stored; only its masked form is.
type SecretFinding struct {
	Pattern        string         `json:"pattern"`
	Category       SecretCategory `json:"category"`
	Severity       Severity       `json:"severity"`
	Line           int            `json:"line"`
	Column         int            `json:"column"`
	Masked         string         `json:"masked"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation"`
	// Location is "input" or "output".
	Location string `json:"location,omitempty"`
}
