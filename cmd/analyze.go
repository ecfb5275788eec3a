package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/reporting"
)

// analyzeOptions collects the flags of the analyze command.
type analyzeOptions struct {
	engine    string
	engines   []string
	file      string
	timeoutMs int
	severity  string
	cliPath   string
	language  string
	framework string
	scope     string
	focus     []string
	format    string
	output    string
}

func newAnalyzeCmd(a *app) *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze [prompt]",
		Short: "Runs a code review through one engine or all of them",
		Long: `Runs a code review and prints the result as JSON or SARIF.

The prompt is taken from the argument, from --file, or from stdin when neither
is given or the argument is "-". Use --engines (or --engine combined) to run
several engines and merge their findings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, a, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.engine, "engine", "e", "codex", `engine to run, or "combined" for every configured engine`)
	f.StringSliceVar(&opts.engines, "engines", nil, "comma separated engines to run and merge")
	f.StringVarP(&opts.file, "file", "f", "", "read the prompt from this file")
	f.IntVar(&opts.timeoutMs, "timeout-ms", 0, "per-invocation timeout in milliseconds; 0 disables it, unset uses the engine default")
	f.StringVar(&opts.severity, "severity", "", "drop findings below this severity (critical, high, medium, low, info)")
	f.StringVar(&opts.cliPath, "cli-path", "", "override the engine executable path (still validated)")
	f.StringVar(&opts.language, "language", "", "language of the code under review")
	f.StringVar(&opts.framework, "framework", "", "framework of the code under review")
	f.StringVar(&opts.scope, "scope", "", "review scope, e.g. a file or module name")
	f.StringSliceVar(&opts.focus, "focus", nil, "areas to focus on, e.g. security,performance")
	f.StringVar(&opts.format, "format", "json", "output format: json or sarif")
	f.StringVarP(&opts.output, "output", "o", "", "write the report to this file instead of stdout")
	return cmd
}

func runAnalyze(cmd *cobra.Command, a *app, opts *analyzeOptions, args []string) error {
	ctx := cmd.Context()
	if opts.format != "json" && opts.format != "sarif" {
		return fmt.Errorf("unsupported output format: %s", opts.format)
	}

	prompt, source, err := readInput(cmd.InOrStdin(), opts.file, args)
	if err != nil {
		return err
	}
	req := buildRequest(prompt, source, opts, cmd.Flags().Changed("timeout-ms"))

	c, err := newComponents(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var (
		single   *schemas.AnalysisResult
		combined *schemas.AggregatedAnalysis
	)
	if len(opts.engines) > 0 || opts.engine == "combined" {
		a.logger.Info("Starting combined analysis", zap.Strings("engines", opts.engines))
		combined, err = c.Orchestrator.AnalyzeMulti(ctx, opts.engines, req)
	} else {
		a.logger.Info("Starting analysis", zap.String("engine", opts.engine))
		single, err = c.Orchestrator.Analyze(ctx, opts.engine, req)
	}
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	reporter, err := reporting.New(reporting.Options{
		Format:      opts.format,
		OutputPath:  opts.output,
		Stdout:      cmd.OutOrStdout(),
		ToolVersion: Version,
		ArtifactURI: source,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	if combined != nil {
		err = reporter.WriteAggregated(combined)
	} else {
		err = reporter.WriteResult(single)
	}
	if err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return reporter.Close()
}

func buildRequest(prompt, source string, opts *analyzeOptions, timeoutSet bool) *schemas.AnalysisRequest {
	req := &schemas.AnalysisRequest{
		Prompt: prompt,
		Options: &schemas.RequestOptions{
			SeverityFilter: schemas.Severity(strings.ToLower(opts.severity)),
			CLIPath:        opts.cliPath,
			SourcePath:     source,
		},
	}
	if timeoutSet {
		ms := opts.timeoutMs
		req.Options.TimeoutMs = &ms
	}
	if opts.language != "" || opts.framework != "" || opts.scope != "" || len(opts.focus) > 0 {
		req.Context = &schemas.RequestContext{
			Language:  opts.language,
			Framework: opts.framework,
			Scope:     opts.scope,
			Focus:     opts.focus,
		}
	}
	return req
}

// readInput returns the text to process and the file it came from, if any.
func readInput(stdin io.Reader, file string, args []string) (string, string, error) {
	switch {
	case file != "" && len(args) > 0 && args[0] != "-":
		return "", "", errors.New("pass either a prompt argument or --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(data), file, nil
	case len(args) > 0 && args[0] != "-":
		return args[0], "", nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), "", nil
	}
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
