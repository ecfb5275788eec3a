package schemas

// DetectionSource records where an engine executable path came from.
type DetectionSource string

const (
	DetectionEnv      DetectionSource = "env"
	DetectionConfig   DetectionSource = "config"
	DetectionDetected DetectionSource = "detected"
	DetectionPath     DetectionSource = "path"
	DetectionDefault  DetectionSource = "default"
)

// CLIDetectionResult describes a resolved engine executable.
type CLIDetectionResult struct {
	Engine string          `json:"engine"`
	Path   string          `json:"path"`
	Source DetectionSource `json:"source"`
	Exists bool            `json:"exists"`
	// Warnings collects resolution steps that were skipped, e.g. an unsafe configured path.
	Warnings []string `json:"warnings,omitempty"`
}

// EngineStatus is one row of the engine detection report.
type EngineStatus struct {
	CLIDetectionResult
	// Allowed is false when the resolved path failed validation.
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
	Model   string `json:"model,omitempty"`
}
