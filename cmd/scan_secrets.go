package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/secrets"
)

// secretScanOutput is what scan-secrets prints.
type secretScanOutput struct {
	Source    string                  `json:"source,omitempty"`
	Findings  []schemas.SecretFinding `json:"findings"`
	Truncated bool                    `json:"truncated,omitempty"`
	Excluded  bool                    `json:"excluded,omitempty"`
}

func newScanSecretsCmd(a *app) *cobra.Command {
	var (
		file         string
		failOnDetect bool
	)
	cmd := &cobra.Command{
		Use:   "scan-secrets [text]",
		Short: "Scans text or a file for credentials without calling any engine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, source, err := readInput(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}

			scanner := secrets.New(a.cfg.Secrets, a.logger)
			report := scanner.Scan(text, secrets.LocationInput, source)
			if report.Findings == nil {
				report.Findings = []schemas.SecretFinding{}
			}
			a.logger.Debug("Secret scan finished",
				zap.Int("findings", len(report.Findings)),
				zap.Bool("truncated", report.Truncated),
			)

			if err := writeJSON(cmd.OutOrStdout(), secretScanOutput{
				Source:    source,
				Findings:  report.Findings,
				Truncated: report.Truncated,
				Excluded:  report.Excluded,
			}); err != nil {
				return err
			}
			if failOnDetect && len(report.Findings) > 0 {
				return fmt.Errorf("%d possible secrets detected", len(report.Findings))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "scan this file instead of the argument or stdin")
	cmd.Flags().BoolVar(&failOnDetect, "fail-on-detect", false, "exit non-zero when anything is found")
	return cmd
}
