package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/config"
	"github.com/systmms/dskeys/internal/probes"
	"github.com/systmms/dskeys/pkg/credential"
)

var providerDescriptions = map[credential.ProviderType]string{
	credential.ProviderOpenAI:       "OpenAI API",
	credential.ProviderAnthropic:    "Anthropic API",
	credential.ProviderGemini:       "Google Gemini API",
	credential.ProviderMistral:      "Mistral AI API",
	credential.ProviderGroq:         "Groq API",
	credential.ProviderXAI:          "xAI API",
	credential.ProviderCohere:       "Cohere API",
	credential.ProviderPerplexity:   "Perplexity API",
	credential.ProviderMicroservice: "Internal gRPC service (health check with key metadata)",
}

func getProviderDescription(p credential.ProviderType) string {
	if d, ok := providerDescriptions[p]; ok {
		return d
	}
	return "No description available"
}

// NewProvidersCommand lists supported providers and how they are probed
func NewProvidersCommand(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers",
		Long: `Display the providers dskeys can validate keys for, whether probing is
enabled in the current configuration and which endpoint each probe calls.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}
			configs := cfg.Definition.ProbeConfigs()
			specs := probes.BuiltinHTTPSpecs()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if verbose {
				_, _ = fmt.Fprintf(w, "PROVIDER\tSTATUS\tTIMEOUT\tENDPOINT\tDESCRIPTION\n")
			} else {
				_, _ = fmt.Fprintf(w, "PROVIDER\tSTATUS\tDESCRIPTION\n")
			}
			for _, p := range credential.AllProviders() {
				pc := configs[p]
				status := "enabled"
				if !pc.Enabled {
					status = "disabled"
				}
				if !verbose {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p, status, getProviderDescription(p))
					continue
				}
				endpoint := pc.Endpoint
				if endpoint == "" {
					endpoint = specs[p].Endpoint
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p, status, pc.Timeout, dash(endpoint), getProviderDescription(p))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show probe endpoints and timeouts")
	return cmd
}
