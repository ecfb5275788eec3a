package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/config"
)

// Engine is one configured external analysis program.
type Engine struct {
	Name   string
	Config config.EngineConfig
}

// Timeout returns the effective timeout for a request. A per-request value
// overrides the configured one; zero means unlimited.
func (e Engine) Timeout(opts *schemas.RequestOptions) time.Duration {
	if opts != nil && opts.TimeoutMs != nil {
		if *opts.TimeoutMs <= 0 {
			return 0
		}
		return time.Duration(*opts.TimeoutMs) * time.Millisecond
	}
	return e.Config.Timeout
}

// Invocation builds the subprocess call for an already validated path.
func (e Engine) Invocation(path string, req *schemas.AnalysisRequest) Invocation {
	return Invocation{
		Engine:  e.Name,
		Path:    path,
		Args:    e.Config.RenderArgs(),
		Prompt:  BuildPrompt(req),
		Timeout: e.Timeout(req.Options),
	}
}

// reportInstructions tells the engine which JSON document to emit.
const reportInstructions = `Respond with a single JSON object and nothing else:
{"findings":[{"type":"bug|security|performance|style|suggestion","severity":"critical|high|medium|low|info","line":0,"lineRange":{"start":0,"end":0},"title":"","description":"","suggestion":"","codeSnippet":""}],"overallAssessment":"","recommendations":[""]}`

// BuildPrompt prefixes the request prompt with its review context and appends
// the report format.
func BuildPrompt(req *schemas.AnalysisRequest) string {
	var b strings.Builder
	if c := req.Context; c != nil {
		writeField(&b, "Language", c.Language)
		writeField(&b, "Framework", c.Framework)
		writeField(&b, "Platform", c.Platform)
		writeField(&b, "Threat model", c.ThreatModel)
		writeField(&b, "Scope", c.Scope)
		if len(c.Focus) > 0 {
			writeField(&b, "Focus", strings.Join(c.Focus, ", "))
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
	}
	b.WriteString(req.Prompt)
	b.WriteString("\n\n")
	b.WriteString(reportInstructions)
	b.WriteString("\n")
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "%s: %s\n", name, value)
	}
}
