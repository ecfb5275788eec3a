// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
)

// Reporter renders analysis outcomes to an output.
type Reporter interface {
	// WriteResult adds a single-engine result.
	WriteResult(res *schemas.AnalysisResult) error
	// WriteAggregated adds a combined multi-engine result.
	WriteAggregated(res *schemas.AggregatedAnalysis) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// Options selects the format and destination of a report.
type Options struct {
	// Format is "json" (default) or "sarif".
	Format string
	// OutputPath is a file to create. Empty, "-" or "stdout" writes to Stdout.
	OutputPath string
	Stdout     io.Writer
	// ToolVersion is embedded in SARIF output.
	ToolVersion string
	// ArtifactURI names the reviewed file in SARIF locations.
	ArtifactURI string
	Logger      *zap.Logger
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
func New(opts Options) (Reporter, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Format {
	case "", "json", "sarif":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
	}

	var writer io.WriteCloser
	switch opts.OutputPath {
	case "", "-", "stdout":
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		// Wrap stdout so Close() is a no-op.
		writer = &nopWriteCloser{out}
	default:
		f, err := os.Create(opts.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", opts.OutputPath, err)
		}
		writer = f
	}

	if opts.Format == "sarif" {
		// NewSARIFReporter takes ownership of the writer.
		return NewSARIFReporter(writer, opts.ToolVersion, opts.ArtifactURI, opts.Logger), nil
	}
	return &JSONReporter{writer: writer}, nil
}

// JSONReporter writes outcomes as indented JSON: a single object for one
// outcome, an array otherwise.
type JSONReporter struct {
	writer io.WriteCloser
	items  []any
}

func (r *JSONReporter) WriteResult(res *schemas.AnalysisResult) error {
	r.items = append(r.items, res)
	return nil
}

func (r *JSONReporter) WriteAggregated(res *schemas.AggregatedAnalysis) error {
	r.items = append(r.items, res)
	return nil
}

func (r *JSONReporter) Close() error {
	var v any = r.items
	switch len(r.items) {
	case 0:
		v = []any{}
	case 1:
		v = r.items[0]
	}
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	encodeErr := enc.Encode(v)
	closeErr := r.writer.Close()
	if encodeErr != nil {
		return fmt.Errorf("failed to encode JSON output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}
