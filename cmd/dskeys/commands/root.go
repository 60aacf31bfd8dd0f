package commands

import (
	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/config"
	"github.com/systmms/dskeys/internal/logging"
)

// NewRootCommand builds the dskeys command tree
func NewRootCommand(version string) *cobra.Command {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{Logger: logging.New(false, false)}

	rootCmd := &cobra.Command{
		Use:   "dskeys",
		Short: "Credential lifecycle and vault audit engine for provider API keys",
		Long: `dskeys stores provider API keys encrypted under a master key, validates
them against their providers in the background, audits the vault for
rotation and hygiene problems and raises alerts when keys fail.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			path, explicit := config.ResolvePath(configFile)
			cfg.Path = path
			cfg.AllowMissing = !explicit
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default dskeys.yaml, or $DSKEYS_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		NewServeCommand(cfg),
		NewKeysCommand(cfg),
		NewAuditCommand(cfg),
		NewAlertsCommand(cfg),
		NewProvidersCommand(cfg),
		NewDoctorCommand(cfg),
		NewCompletionCommand(cfg),
	)

	return rootCmd
}
