package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/config"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// NewAuditCommand groups the vault audit commands
func NewAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit the vault for rotation and hygiene problems",
	}
	cmd.AddCommand(newAuditRunCommand(cfg), newAuditFindingsCommand(cfg))
	return cmd
}

func newAuditRunCommand(cfg *config.Config) *cobra.Command {
	var failOn string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every audit rule once",
		Long: `Run every audit rule against the vault. New violations open findings,
fixed ones are resolved and rule failures are reported without stopping
the run.

Use --fail-on to exit non-zero when open findings reach a severity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var threshold credential.Severity
			if failOn != "" {
				sev, err := credential.ParseSeverity(failOn)
				if err != nil {
					return fmt.Errorf("--fail-on: %w", err)
				}
				threshold = sev
			}

			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			rep, err := eng.svc.TriggerAudit(ctx)
			if err != nil {
				return err
			}
			eng.flush(ctx)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Audit finished in %s: %d opened, %d resolved, %d open\n",
				rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond), len(rep.Opened), len(rep.Resolved), rep.Open)
			if len(rep.Opened) > 0 {
				_, _ = fmt.Fprintln(out, "\nOpened:")
				printFindings(out, rep.Opened)
			}
			if len(rep.Resolved) > 0 {
				_, _ = fmt.Fprintln(out, "\nResolved:")
				printFindings(out, rep.Resolved)
			}
			for _, re := range rep.RuleErrors {
				cfg.Logger.Warn("Rule %s failed: %v", re.RuleID, re.Err)
			}

			if threshold == "" {
				return nil
			}
			open, err := eng.svc.ListFindings(ctx, storage.FindingFilter{OpenOnly: true})
			if err != nil {
				return err
			}
			count := 0
			for _, f := range open {
				if f.Severity.Rank() >= threshold.Rank() {
					count++
				}
			}
			if count > 0 {
				return fmt.Errorf("%d open findings at or above %s", count, threshold)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&failOn, "fail-on", "", "Exit non-zero if open findings reach this severity (info, warning, critical)")
	return cmd
}

func newAuditFindingsCommand(cfg *config.Config) *cobra.Command {
	var (
		openOnly bool
		rule     string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List audit findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			findings, err := eng.svc.ListFindings(ctx, storage.FindingFilter{OpenOnly: openOnly, RuleID: rule})
			if err != nil {
				return err
			}
			if asJSON {
				if findings == nil {
					findings = []credential.AuditFinding{}
				}
				return writeJSON(cmd.OutOrStdout(), findings)
			}
			printFindings(cmd.OutOrStdout(), findings)
			return nil
		},
	}

	cmd.Flags().BoolVar(&openOnly, "open", false, "Only list unresolved findings")
	cmd.Flags().StringVar(&rule, "rule", "", "Only list findings of this rule")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
