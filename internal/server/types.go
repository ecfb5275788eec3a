package server

import (
	"context"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/queue"
)

// Analyzer is the subset of the orchestrator the HTTP API drives.
type Analyzer interface {
	Analyze(ctx context.Context, engine string, req *schemas.AnalysisRequest) (*schemas.AnalysisResult, error)
	AnalyzeMulti(ctx context.Context, engines []string, req *schemas.AnalysisRequest) (*schemas.AggregatedAnalysis, error)
	Detect() []schemas.EngineStatus
	Status(id string) (schemas.AnalysisStatusEntry, error)
	ListStatus(state schemas.AnalysisState) []schemas.AnalysisStatusEntry
	QueueStats() []queue.Stats
	CacheStats(ctx context.Context) (schemas.CacheStats, error)
	ClearCache(ctx context.Context, source string) (int64, error)
}

// Response is the envelope every API endpoint writes.
type Response struct {
	Status string `json:"status"` // "success" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// AnalyzeRequest is the body of POST /api/v1/analyze. Engine selects a single
// engine; Engines, or Engine "combined", runs the combined analysis.
type AnalyzeRequest struct {
	schemas.AnalysisRequest
	Engine  string   `json:"engine,omitempty"`
	Engines []string `json:"engines,omitempty"`
}

// combinedEngine is the pseudo engine name that selects every configured engine.
const combinedEngine = "combined"
