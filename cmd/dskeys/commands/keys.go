package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/config"
	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/service"
	"github.com/systmms/dskeys/pkg/credential"
)

// NewKeysCommand groups the key lifecycle commands
func NewKeysCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Register, rotate, delete and inspect provider API keys",
		Long: `Manage provider API keys in the local vault.

Key material is read from stdin, or from an environment variable with
--key-env. It is never accepted as a command line argument.`,
	}

	cmd.AddCommand(
		newKeysRegisterCommand(cfg),
		newKeysRotateCommand(cfg),
		newKeysDeleteCommand(cfg),
		newKeysStatusCommand(cfg),
		newKeysListCommand(cfg),
		newKeysCheckCommand(cfg),
	)
	return cmd
}

func newKeysRegisterCommand(cfg *config.Config) *cobra.Command {
	var (
		keyEnv  string
		asJSON  bool
		noProbe bool
	)

	cmd := &cobra.Command{
		Use:   "register <owner> <provider>",
		Short: "Store a new key for an owner",
		Example: `  echo -n "$OPENAI_API_KEY" | dskeys keys register alice openai
  dskeys keys register alice anthropic --key-env ANTHROPIC_API_KEY`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := credential.ParseProviderType(args[1])
			if err != nil {
				return dserrors.UserError{
					Message:    err.Error(),
					Suggestion: "Run 'dskeys providers' to list supported providers",
				}
			}
			key, err := readKey(cmd.InOrStdin(), keyEnv)
			if err != nil {
				return err
			}
			defer key.Destroy()

			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{
				service: []service.Option{service.WithProbeOnWrite(!noProbe)},
			})
			if err != nil {
				return err
			}
			defer eng.Close()

			view, err := eng.svc.RegisterKey(ctx, args[0], provider, key)
			if err != nil {
				return err
			}
			eng.flush(ctx)
			return printView(cmd.OutOrStdout(), view, asJSON)
		},
	}

	cmd.Flags().StringVar(&keyEnv, "key-env", "", "Read the key from this environment variable instead of stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "Skip the immediate validation against the provider")
	return cmd
}

func newKeysRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		keyEnv string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Replace a key's material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd.InOrStdin(), keyEnv)
			if err != nil {
				return err
			}
			defer key.Destroy()

			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			view, err := eng.svc.RotateKey(ctx, args[0], key)
			if err != nil {
				return err
			}
			eng.flush(ctx)
			return printView(cmd.OutOrStdout(), view, asJSON)
		},
	}

	cmd.Flags().StringVar(&keyEnv, "key-env", "", "Read the key from this environment variable instead of stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newKeysDeleteCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete a key and its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.svc.DeleteKey(ctx, args[0]); err != nil {
				return err
			}
			eng.flush(ctx)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newKeysStatusCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <key-id>",
		Short: "Show a key's validation status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			view, err := eng.svc.GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printView(cmd.OutOrStdout(), view, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newKeysListCommand(cfg *config.Config) *cobra.Command {
	var (
		owner  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			var views []service.KeyView
			if owner != "" {
				views, err = eng.svc.ListStatuses(ctx, owner)
			} else {
				views, err = eng.svc.ListAllStatuses(ctx)
			}
			if err != nil {
				return err
			}
			if asJSON {
				if views == nil {
					views = []service.KeyView{}
				}
				return writeJSON(cmd.OutOrStdout(), views)
			}
			printKeyViews(cmd.OutOrStdout(), views)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list this owner's keys")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newKeysCheckCommand(cfg *config.Config) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate keys against their providers now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			summary, err := eng.svc.ReconcileNow(ctx, owner)
			if err != nil {
				return err
			}
			eng.flush(ctx)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"Checked %d keys: %d transitions, %d deferred, %d skipped, %d discarded, %d unknown\n",
				summary.Checked, summary.Transitions, summary.Deferred, summary.Skipped, summary.Discarded, summary.Unknown)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only check this owner's keys")
	return cmd
}

func printView(w io.Writer, view service.KeyView, asJSON bool) error {
	if asJSON {
		return writeJSON(w, view)
	}
	printKeyView(w, view)
	return nil
}

// readKey takes key material from an environment variable or stdin. Trailing
// newlines are dropped and the read buffer is wiped.
func readKey(stdin io.Reader, envVar string) (*secure.Secret, error) {
	if envVar != "" {
		v, ok := os.LookupEnv(envVar)
		if !ok || v == "" {
			return nil, dserrors.UserError{
				Message:    fmt.Sprintf("environment variable %s is not set", envVar),
				Suggestion: "Export the key or pipe it on stdin",
			}
		}
		return secure.SecretFromString(v), nil
	}

	buf, err := io.ReadAll(io.LimitReader(stdin, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading key from stdin: %w", err)
	}
	trimmed := bytes.TrimRight(buf, "\r\n")
	if len(bytes.TrimSpace(trimmed)) == 0 {
		wipe(buf)
		return nil, dserrors.UserError{
			Message:    "no key material on stdin",
			Suggestion: "Pipe the key in, e.g. 'echo -n \"$KEY\" | dskeys keys register <owner> <provider>', or use --key-env",
		}
	}
	key := make([]byte, len(trimmed))
	copy(key, trimmed)
	wipe(buf)
	return secure.NewSecret(key), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
