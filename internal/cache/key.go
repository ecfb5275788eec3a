package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
)

// keyVersion is bumped whenever the canonical form changes, orphaning old entries.
const keyVersion = "v1"

// canonicalJSON sorts map keys so encodings are byte-stable.
var canonicalJSON = json.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// ServiceParams are the engine settings that change what an engine returns.
type ServiceParams struct {
	Engine          string   `json:"engine"`
	Model           string   `json:"model"`
	ReasoningEffort string   `json:"reasoning_effort"`
	Args            []string `json:"args"`
	TemplateID      string   `json:"template_id"`
	Version         string   `json:"version"`
}

// KeyInput is everything that determines a cached result.
type KeyInput struct {
	Prompt string
	// Target is the engine name, or schemas.SourceCombined for merged runs.
	Target   string
	Context  *schemas.RequestContext
	Options  *schemas.RequestOptions
	Services []ServiceParams
}

type canonicalContext struct {
	Language    string   `json:"language"`
	Framework   string   `json:"framework"`
	Platform    string   `json:"platform"`
	ThreatModel string   `json:"threat_model"`
	Scope       string   `json:"scope"`
	Focus       []string `json:"focus"`
}

type canonicalOptions struct {
	SeverityFilter string `json:"severity_filter"`
	CLIPath        string `json:"cli_path"`
}

type canonicalKey struct {
	Version  string           `json:"v"`
	Prompt   string           `json:"prompt"`
	Target   string           `json:"target"`
	Context  canonicalContext `json:"context"`
	Options  canonicalOptions `json:"options"`
	Services []ServiceParams  `json:"services"`
}

// Fingerprint returns the hex sha256 of the normalized request. Casing of
// context and options and the order of focus items and services do not
// affect the result; prompt text and executable paths are case-sensitive.
// Timeout and source path are excluded because they do not change the answer.
func Fingerprint(in KeyInput) (string, error) {
	k := canonicalKey{
		Version:  keyVersion,
		Prompt:   in.Prompt,
		Target:   norm(in.Target),
		Context:  normalizeContext(in.Context),
		Services: normalizeServices(in.Services),
	}
	if in.Options != nil {
		k.Options = canonicalOptions{
			SeverityFilter: norm(string(in.Options.SeverityFilter)),
			CLIPath:        strings.TrimSpace(in.Options.CLIPath),
		}
	}

	data, err := canonicalJSON.Marshal(k)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindCache, "cache.Fingerprint", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeContext(c *schemas.RequestContext) canonicalContext {
	if c == nil {
		return canonicalContext{Focus: []string{}}
	}
	focus := make([]string, 0, len(c.Focus))
	for _, f := range c.Focus {
		if f = norm(f); f != "" {
			focus = append(focus, f)
		}
	}
	sort.Strings(focus)
	return canonicalContext{
		Language:    norm(c.Language),
		Framework:   norm(c.Framework),
		Platform:    norm(c.Platform),
		ThreatModel: norm(c.ThreatModel),
		Scope:       norm(c.Scope),
		Focus:       focus,
	}
}

func normalizeServices(in []ServiceParams) []ServiceParams {
	out := make([]ServiceParams, len(in))
	for i, s := range in {
		args := s.Args
		if args == nil {
			args = []string{}
		}
		out[i] = ServiceParams{
			Engine:          norm(s.Engine),
			Model:           norm(s.Model),
			ReasoningEffort: norm(s.ReasoningEffort),
			Args:            args,
			TemplateID:      norm(s.TemplateID),
			Version:         strings.TrimSpace(s.Version),
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
