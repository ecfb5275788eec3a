package schemas

import "time"

// AnalysisState is the lifecycle stage of a tracked analysis.
type AnalysisState string

const (
	StatePending    AnalysisState = "pending"
	StateInProgress AnalysisState = "in_progress"
	StateCompleted  AnalysisState = "completed"
	StateFailed     AnalysisState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s AnalysisState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AnalysisStatusEntry tracks one request from dispatch to completion.
type AnalysisStatusEntry struct {
	ID           string        `json:"id"`
	State        AnalysisState `json:"state"`
	Source       string        `json:"source"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Result       any           `json:"result,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	// ExpiresAt is set only once the entry reaches a terminal state.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
