package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/config"
	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// NewAlertsCommand groups the alert commands
func NewAlertsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List, acknowledge and deliver alerts",
	}
	cmd.AddCommand(
		newAlertsListCommand(cfg),
		newAlertsAckCommand(cfg),
		newAlertsDeliverCommand(cfg),
	)
	return cmd
}

func newAlertsListCommand(cfg *config.Config) *cobra.Command {
	var (
		filter storage.AlertFilter
		source string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch credential.SourceKind(source) {
			case "", credential.SourceStatus, credential.SourceAudit:
				filter.SourceKind = credential.SourceKind(source)
			default:
				return fmt.Errorf("--source must be %q or %q", credential.SourceStatus, credential.SourceAudit)
			}

			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			alerts, err := eng.svc.ListAlerts(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				if alerts == nil {
					alerts = []credential.Alert{}
				}
				return writeJSON(cmd.OutOrStdout(), alerts)
			}
			printAlerts(cmd.OutOrStdout(), alerts)
			return nil
		},
	}

	cmd.Flags().BoolVar(&filter.OpenOnly, "open", false, "Only list unresolved alerts")
	cmd.Flags().BoolVar(&filter.UndeliveredOnly, "undelivered", false, "Only list alerts waiting in the outbox")
	cmd.Flags().StringVar(&filter.OwnerID, "owner", "", "Only list this owner's alerts")
	cmd.Flags().StringVar(&source, "source", "", "Only list alerts from this source (status, audit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newAlertsAckCommand(cfg *config.Config) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = os.Getenv("USER")
			}
			if actor == "" {
				return dserrors.UserError{
					Message:    "cannot tell who is acknowledging the alert",
					Suggestion: "Pass --actor <name>",
				}
			}

			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			a, err := eng.svc.AcknowledgeAlert(ctx, args[0], actor)
			if err != nil {
				return err
			}
			if a.AcknowledgedBy != actor {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Alert %s was already acknowledged by %s\n", a.ID, a.AcknowledgedBy)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", a.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Who acknowledges the alert (default $USER)")
	return cmd
}

func newAlertsDeliverCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Send alerts waiting in the outbox to the notification channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.svc.DeliverAlerts(ctx)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d alerts\n", n)
			return err
		},
	}
}
