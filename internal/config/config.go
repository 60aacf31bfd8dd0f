package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/systmms/dskeys/internal/api"
	"github.com/systmms/dskeys/internal/audit"
	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/keystore"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/probes"
	"github.com/systmms/dskeys/internal/reconcile"
	"github.com/systmms/dskeys/internal/scheduler"
	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

// Environment overrides
const (
	EnvConfigPath = "DSKEYS_CONFIG"
	EnvStorageDSN = "DSKEYS_STORAGE_DSN"
)

// DefaultPath is used when neither --config nor DSKEYS_CONFIG is set
const DefaultPath = "dskeys.yaml"

// Defaults
const (
	DefaultStorageDriver      = "sqlite"
	DefaultStorageDSN         = "dskeys.db"
	DefaultWorkers            = 4
	DefaultReconcileInterval  = 15 * time.Minute
	DefaultAuditInterval      = 6 * time.Hour
	DefaultRedeliveryInterval = 30 * time.Second
)

// scopeBudgetHeadroom covers decryption around the slowest probe
const scopeBudgetHeadroom = 5 * time.Second

//go:embed schema.json
var schemaJSON []byte

// Config holds the runtime configuration
type Config struct {
	Path   string
	Logger *logging.Logger
	// AllowMissing falls back to defaults when the file does not exist
	AllowMissing bool
	Definition   *Definition
}

// Definition is the dskeys.yaml structure
type Definition struct {
	Version       int                       `yaml:"version"`
	Storage       StorageConfig             `yaml:"storage"`
	KMS           KMSConfig                 `yaml:"kms"`
	Providers     map[string]ProviderConfig `yaml:"providers,omitempty"`
	Reconcile     ReconcileConfig           `yaml:"reconcile"`
	Audit         AuditConfig               `yaml:"audit"`
	Alerts        AlertsConfig              `yaml:"alerts"`
	Keystore      KeystoreConfig            `yaml:"keystore"`
	Server        ServerConfig              `yaml:"server"`
	Notifications *NotificationConfig       `yaml:"notifications,omitempty"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// KMSConfig selects the master key source. Options other than type are
// passed to the source factory.
type KMSConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

// ProviderConfig holds probe settings for one provider
type ProviderConfig struct {
	Enabled          *bool                  `yaml:"enabled,omitempty"`
	Endpoint         string                 `yaml:"endpoint,omitempty"`
	TimeoutMs        int                    `yaml:"timeout_ms,omitempty"`
	RateLimitBackoff Duration               `yaml:"rate_limit_backoff,omitempty"`
	Config           map[string]interface{} `yaml:",inline"`
}

// GetProviderTimeout returns the probe timeout
func (p ProviderConfig) GetProviderTimeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return probe.DefaultTimeout
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// ReconcileConfig tunes the status reconciler
type ReconcileConfig struct {
	Workers           int      `yaml:"workers,omitempty"`
	Interval          Duration `yaml:"interval,omitempty"`
	RevokeThreshold   int      `yaml:"revoke_threshold,omitempty"`
	DefaultRetryAfter Duration `yaml:"default_retry_after,omitempty"`
}

// AuditConfig tunes the vault auditor
type AuditConfig struct {
	Interval    Duration `yaml:"interval,omitempty"`
	MaxKeyAge   Duration `yaml:"max_key_age,omitempty"`
	ScopeBudget Duration `yaml:"scope_budget,omitempty"`
}

// AlertsConfig tunes alert delivery
type AlertsConfig struct {
	RedeliveryInterval Duration `yaml:"redelivery_interval,omitempty"`
}

// KeystoreConfig holds key store switches
type KeystoreConfig struct {
	AllowPlaintextExport bool `yaml:"allow_plaintext_export,omitempty"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Listen      string  `yaml:"listen,omitempty"`
	MetricsPath *string `yaml:"metrics_path,omitempty"`
}

// ResolvePath picks the config path from the flag, then DSKEYS_CONFIG, then
// the default. The second result reports whether the path was chosen
// explicitly.
func ResolvePath(flag string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}
	return DefaultPath, false
}

// Load reads, validates and defaults the configuration file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if c.AllowMissing {
				def := &Definition{Version: 1}
				def.applyDefaults()
				def.applyEnv()
				c.Definition = def
				c.debug("No configuration file at %s, using defaults", c.Path)
				return nil
			}
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create dskeys.yaml or point --config / " + EnvConfigPath + " at one",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	c.Definition = def
	c.debug("Loaded configuration from %s", c.Path)
	return nil
}

func (c *Config) debug(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Debug(format, args...)
	}
}

// Parse validates raw YAML against the schema and decodes it
func Parse(data []byte) (*Definition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{Message: err.Error()}
	}
	if def.Version == 0 {
		def.Version = 1
	}
	def.applyDefaults()
	def.applyEnv()
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func validateSchema(raw map[string]interface{}) error {
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	sort.Strings(msgs)
	return dserrors.ConfigError{
		Message:    "configuration does not match the schema:\n  - " + strings.Join(msgs, "\n  - "),
		Suggestion: "Fix the listed fields in dskeys.yaml",
	}
}

func (d *Definition) applyDefaults() {
	if d.Storage.Driver == "" {
		d.Storage.Driver = DefaultStorageDriver
	}
	if d.Storage.DSN == "" && d.Storage.Driver != "memory" {
		d.Storage.DSN = DefaultStorageDSN
	}
	if d.KMS.Type == "" {
		d.KMS.Type = kms.SourceEnv
	}
	if d.Reconcile.Workers <= 0 {
		d.Reconcile.Workers = DefaultWorkers
	}
	if d.Reconcile.Interval <= 0 {
		d.Reconcile.Interval = Duration(DefaultReconcileInterval)
	}
	if d.Reconcile.RevokeThreshold <= 0 {
		d.Reconcile.RevokeThreshold = reconcile.DefaultRevokeThreshold
	}
	if d.Reconcile.DefaultRetryAfter <= 0 {
		d.Reconcile.DefaultRetryAfter = Duration(reconcile.DefaultRetryAfter)
	}
	if d.Audit.Interval <= 0 {
		d.Audit.Interval = Duration(DefaultAuditInterval)
	}
	if d.Audit.MaxKeyAge <= 0 {
		d.Audit.MaxKeyAge = Duration(audit.DefaultMaxKeyAge)
	}
	if d.Audit.ScopeBudget <= 0 {
		d.Audit.ScopeBudget = Duration(defaultScopeBudget(d.longestProbeTimeout()))
	}
	if d.Alerts.RedeliveryInterval <= 0 {
		d.Alerts.RedeliveryInterval = Duration(DefaultRedeliveryInterval)
	}
	if d.Server.Listen == "" {
		d.Server.Listen = api.DefaultConfig().Listen
	}
	if d.Server.MetricsPath == nil {
		path := api.DefaultConfig().MetricsPath
		d.Server.MetricsPath = &path
	}
}

func (d *Definition) applyEnv() {
	if dsn := os.Getenv(EnvStorageDSN); dsn != "" {
		d.Storage.DSN = dsn
	}
}

func (d *Definition) validate() error {
	for name, p := range d.Providers {
		pt, err := credential.ParseProviderType(name)
		if err != nil {
			return dserrors.ConfigError{
				Field:      "providers." + name,
				Message:    "unknown provider",
				Suggestion: fmt.Sprintf("Supported providers: %v", credential.AllProviders()),
			}
		}
		if pt == credential.ProviderMicroservice && p.enabled(false) && p.Endpoint == "" {
			return dserrors.ConfigError{
				Field:      "providers.microservice.endpoint",
				Message:    "the microservice probe needs a host:port endpoint",
				Suggestion: "Set endpoint or disable the provider",
			}
		}
	}
	if longest := d.longestProbeTimeout(); d.Audit.ScopeBudget.Std() <= longest {
		return dserrors.ConfigError{
			Field:      "audit.scope_budget",
			Value:      d.Audit.ScopeBudget.Std().String(),
			Message:    fmt.Sprintf("must exceed the longest enabled probe timeout (%s)", longest),
			Suggestion: "Raise scope_budget or lower the providers' timeout_ms",
		}
	}
	return nil
}

// longestProbeTimeout is the longest time a reconcile decrypt scope can stay
// open waiting on an enabled probe
func (d *Definition) longestProbeTimeout() time.Duration {
	var longest time.Duration
	for _, pc := range d.ProbeConfigs() {
		if pc.Enabled && pc.Timeout > longest {
			longest = pc.Timeout
		}
	}
	return longest
}

func defaultScopeBudget(longestProbe time.Duration) time.Duration {
	if budget := longestProbe + scopeBudgetHeadroom; budget > keystore.DefaultScopeBudget {
		return budget
	}
	return keystore.DefaultScopeBudget
}

func (p ProviderConfig) enabled(def bool) bool {
	if p.Enabled == nil {
		return def
	}
	return *p.Enabled
}

// ProbeConfigs merges configured providers over the built-in defaults
func (d *Definition) ProbeConfigs() map[credential.ProviderType]probes.ProviderConfig {
	out := probes.DefaultConfigs()
	for name, p := range d.Providers {
		pt, err := credential.ParseProviderType(name)
		if err != nil {
			continue
		}
		base := out[pt]
		out[pt] = probes.ProviderConfig{
			Enabled:          p.enabled(base.Enabled || p.Endpoint != ""),
			Endpoint:         p.Endpoint,
			Timeout:          p.GetProviderTimeout(),
			RateLimitBackoff: p.RateLimitBackoff.Std(),
			Options:          p.Config,
		}
	}
	return out
}

// ReconcilerConfig returns the reconciler settings
func (d *Definition) ReconcilerConfig() reconcile.Config {
	return reconcile.Config{
		Workers: d.Reconcile.Workers,
		Policy: reconcile.Policy{
			RevokeThreshold:   d.Reconcile.RevokeThreshold,
			DefaultRetryAfter: d.Reconcile.DefaultRetryAfter.Std(),
		},
	}
}

// KeystoreConfig returns the key store settings
func (d *Definition) KeystoreConfig() keystore.Config {
	return keystore.Config{
		AllowPlaintextExport: d.Keystore.AllowPlaintextExport,
		ScopeBudget:          d.Audit.ScopeBudget.Std(),
		MasterKeySource:      d.KMS.Type,
	}
}

// SchedulerConfig returns the cycle intervals
func (d *Definition) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		ReconcileInterval:  d.Reconcile.Interval.Std(),
		AuditInterval:      d.Audit.Interval.Std(),
		RedeliveryInterval: d.Alerts.RedeliveryInterval.Std(),
	}
}

// ServerConfig returns the HTTP API settings
func (d *Definition) ServerConfig() api.Config {
	cfg := api.DefaultConfig()
	cfg.Listen = d.Server.Listen
	if d.Server.MetricsPath != nil {
		cfg.MetricsPath = *d.Server.MetricsPath
	}
	return cfg
}

// MasterKeySource builds the configured master key source
func (d *Definition) MasterKeySource() (kms.MasterKeySource, error) {
	src, err := kms.NewSource(d.KMS.Type, d.KMS.Config)
	if err != nil {
		return nil, dserrors.ConfigError{
			Field:      "kms.type",
			Value:      d.KMS.Type,
			Message:    err.Error(),
			Suggestion: fmt.Sprintf("Supported sources: %s", strings.Join(kms.SourceKinds(), ", ")),
		}
	}
	return src, nil
}
