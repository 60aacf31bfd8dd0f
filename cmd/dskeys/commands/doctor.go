package commands

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/config"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/internal/probes"
	"github.com/systmms/dskeys/pkg/credential"
)

const doctorTimeout = 5 * time.Second

// checkResult is one line of the doctor report
type checkResult struct {
	Name        string
	Status      string // healthy, error, skipped
	Message     string
	Suggestions []string
}

func (r checkResult) healthy() bool { return r.Status != "error" }

// NewDoctorCommand checks the configuration, storage, master key source,
// notification channels and provider reachability
func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	var (
		verbose     bool
		initKeyring bool
		skipProbes  bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, master key and provider connectivity",
		Long: `Verify that dskeys is properly configured.

This command checks:
- Configuration file validity
- Storage connectivity
- Master key source credentials and the current key version
- Notification channel settings
- Network reachability of every enabled provider probe

Use --init-keyring to create a master key in the OS keyring when the
keyring source is configured and no key exists yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg.Logger.Info("Checking dskeys configuration...")
			if err := cfg.Load(); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Logger.Info("Configuration loaded successfully")

			if initKeyring {
				if err := initializeKeyring(cfg, out); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			results := []checkResult{}

			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				results = append(results, checkResult{Name: "engine", Status: "error", Message: err.Error()})
				displayCheckResults(out, results, verbose)
				return fmt.Errorf("dskeys cannot start")
			}
			defer eng.Close()

			results = append(results,
				checkStorage(ctx, eng),
				checkMasterKey(ctx, eng),
				checkNotifications(ctx, eng),
			)
			if !skipProbes {
				results = append(results, checkProbes(ctx, eng.def)...)
			}

			displayCheckResults(out, results, verbose)

			healthy := 0
			for _, r := range results {
				if r.healthy() {
					healthy++
				}
			}
			_, _ = fmt.Fprintf(out, "\nSummary: %d/%d checks passed\n", healthy, len(results))
			if healthy < len(results) {
				return fmt.Errorf("some checks failed")
			}
			cfg.Logger.Info("All systems operational!")
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show suggestions for failed checks")
	cmd.Flags().BoolVar(&initKeyring, "init-keyring", false, "Create a master key in the OS keyring if none exists")
	cmd.Flags().BoolVar(&skipProbes, "skip-probes", false, "Do not check provider reachability")
	return cmd
}

func initializeKeyring(cfg *config.Config, out io.Writer) error {
	src, err := cfg.Definition.MasterKeySource()
	if err != nil {
		return err
	}
	ring, ok := src.(*kms.KeyringSource)
	if !ok {
		return fmt.Errorf("--init-keyring needs kms.type %q, configured %q", kms.SourceKeyring, src.Kind())
	}
	created, err := ring.Initialize(rand.Read)
	if err != nil {
		return err
	}
	if created {
		_, _ = fmt.Fprintln(out, "Created a new master key in the OS keyring")
	} else {
		_, _ = fmt.Fprintln(out, "A master key already exists in the OS keyring")
	}
	return nil
}

func checkStorage(ctx context.Context, eng *engine) checkResult {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	r := checkResult{Name: "storage (" + eng.def.Storage.Driver + ")"}
	if err := eng.store.Ping(ctx); err != nil {
		r.Status = "error"
		r.Message = err.Error()
		r.Suggestions = []string{
			"Check storage.dsn or " + config.EnvStorageDSN,
			"Make sure the database is running and reachable",
		}
		return r
	}
	r.Status = "healthy"
	r.Message = "Storage is reachable"
	return r
}

func checkMasterKey(ctx context.Context, eng *engine) checkResult {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	src := eng.envelope.Source()
	r := checkResult{Name: "master key (" + src.Kind() + ")"}
	if v, ok := src.(kms.Validator); ok {
		if err := v.Validate(ctx); err != nil {
			r.Status = "error"
			r.Message = err.Error()
			r.Suggestions = masterKeySuggestions(src.Kind())
			return r
		}
	}
	version, err := eng.envelope.CurrentVersion(ctx)
	if err != nil {
		r.Status = "error"
		r.Message = err.Error()
		r.Suggestions = masterKeySuggestions(src.Kind())
		return r
	}
	r.Status = "healthy"
	r.Message = "Current version " + version
	return r
}

func masterKeySuggestions(kind string) []string {
	switch kind {
	case kms.SourceEnv:
		return []string{"Set " + kms.DefaultMasterKeyEnv + " (or kms.variable) to a base64 encoded 32 byte key"}
	case kms.SourceKeyring:
		return []string{"Run: dskeys doctor --init-keyring"}
	case kms.SourceAWSSecretsManager, kms.SourceAWSSSM:
		return []string{"Run: aws configure", "Verify with: aws sts get-caller-identity"}
	case kms.SourceGCPSecretManager:
		return []string{"Run: gcloud auth application-default login"}
	case kms.SourceAzureKeyVault:
		return []string{"Run: az login", "Grant the identity 'get' on Key Vault secrets"}
	}
	return nil
}

func checkNotifications(ctx context.Context, eng *engine) checkResult {
	r := checkResult{Name: "notifications"}
	channels := eng.fanout.Channels()
	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, c.Name())
	}
	if err := eng.fanout.Validate(ctx); err != nil {
		r.Status = "error"
		r.Message = err.Error()
		r.Suggestions = []string{"Fix the notifications section of dskeys.yaml"}
		return r
	}
	r.Status = "healthy"
	if len(names) == 0 {
		r.Message = "No channels configured; alerts are only stored"
	} else {
		r.Message = "Channels: " + strings.Join(names, ", ")
	}
	return r
}

func checkProbes(ctx context.Context, def *config.Definition) []checkResult {
	specs := probes.BuiltinHTTPSpecs()
	var results []checkResult
	for p, pc := range def.ProbeConfigs() {
		if !pc.Enabled {
			continue
		}
		target := pc.Endpoint
		if target == "" {
			target = specs[p].Endpoint
		}
		r := checkResult{Name: "probe " + string(p)}
		if err := reachable(ctx, p, target); err != nil {
			r.Status = "error"
			r.Message = err.Error()
			r.Suggestions = []string{
				"Check network access to " + target,
				fmt.Sprintf("Disable the probe with providers.%s.enabled: false", p),
			}
		} else {
			r.Status = "healthy"
			r.Message = target + " is reachable"
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// reachable dials the probe target. It never sends key material.
func reachable(ctx context.Context, p credential.ProviderType, target string) error {
	addr := target
	if p != credential.ProviderMicroservice {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("bad endpoint: %w", err)
		}
		port := u.Port()
		if port == "" {
			port = "443"
			if u.Scheme == "http" {
				port = "80"
			}
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	d := net.Dialer{Timeout: doctorTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func displayCheckResults(w io.Writer, results []checkResult, verbose bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(tw, "-----\t------\t-------\n")
	for _, r := range results {
		status := r.Status
		switch r.Status {
		case "healthy":
			status = "✓ " + status
		case "error":
			status = "✗ " + status
		default:
			status = "? " + status
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, status, r.Message)
	}
	_ = tw.Flush()

	if !verbose {
		return
	}
	for _, r := range results {
		if r.Status == "error" && len(r.Suggestions) > 0 {
			_, _ = fmt.Fprintf(w, "\n%s suggestions:\n", r.Name)
			for _, s := range r.Suggestions {
				_, _ = fmt.Fprintf(w, "  • %s\n", s)
			}
		}
	}
}
