package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/systmms/dskeys/internal/keystore"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/pkg/credential"
)

// Built-in rule identifiers
const (
	RuleKeyRotationAge    = "key-rotation-age"
	RuleKMSVersionCurrent = "kms-version-current"
	RuleScopedDecryptOnly = "scoped-decrypt-only"
	RuleSingleActiveKey   = "single-active-key"
	RuleMasterKeySource   = "master-key-source"
)

// SubjectStore is the subject of findings about the store as a whole
const SubjectStore = "store"

// DefaultMaxKeyAge is how long a key may go without rotation
const DefaultMaxKeyAge = 90 * 24 * time.Hour

// Snapshot is what every rule in a run evaluates
type Snapshot struct {
	Now  time.Time
	Keys []credential.KeyRecord

	config    keystore.Configuration
	configErr error
}

// Configuration returns the key store configuration, or the error that
// prevented reading it
func (s Snapshot) Configuration() (keystore.Configuration, error) {
	return s.config, s.configErr
}

// Observation is one violated instance found by a rule
type Observation struct {
	Subject     string
	Description string
}

// Rule checks one property of the key store
type Rule interface {
	ID() string
	Severity() credential.Severity
	Evaluate(ctx context.Context, snap Snapshot) ([]Observation, error)
}

// RuleFunc adapts a function to Rule
type RuleFunc struct {
	RuleID       string
	RuleSeverity credential.Severity
	Fn           func(ctx context.Context, snap Snapshot) ([]Observation, error)
}

func (r RuleFunc) ID() string                    { return r.RuleID }
func (r RuleFunc) Severity() credential.Severity { return r.RuleSeverity }

func (r RuleFunc) Evaluate(ctx context.Context, snap Snapshot) ([]Observation, error) {
	return r.Fn(ctx, snap)
}

// BuiltinRules returns the default rule set
func BuiltinRules(maxKeyAge time.Duration) []Rule {
	if maxKeyAge <= 0 {
		maxKeyAge = DefaultMaxKeyAge
	}
	return []Rule{
		RuleFunc{RuleKeyRotationAge, credential.SeverityWarning, keyRotationAge(maxKeyAge)},
		RuleFunc{RuleKMSVersionCurrent, credential.SeverityWarning, kmsVersionCurrent},
		RuleFunc{RuleScopedDecryptOnly, credential.SeverityCritical, scopedDecryptOnly},
		RuleFunc{RuleSingleActiveKey, credential.SeverityCritical, singleActiveKey},
		RuleFunc{RuleMasterKeySource, credential.SeverityInfo, masterKeySource},
	}
}

func keyRotationAge(limit time.Duration) func(context.Context, Snapshot) ([]Observation, error) {
	return func(_ context.Context, snap Snapshot) ([]Observation, error) {
		var out []Observation
		for _, k := range snap.Keys {
			age := k.Age(snap.Now)
			if age <= limit {
				continue
			}
			out = append(out, Observation{
				Subject: k.ID,
				Description: fmt.Sprintf("%s key %s of owner %s has not been rotated for %s (limit %s)",
					k.Provider, k.ID, k.OwnerID, formatDays(age), formatDays(limit)),
			})
		}
		return out, nil
	}
}

func kmsVersionCurrent(_ context.Context, snap Snapshot) ([]Observation, error) {
	cfg, err := snap.Configuration()
	if err != nil {
		return nil, err
	}
	var out []Observation
	for _, k := range snap.Keys {
		if k.KMSVersion == cfg.CurrentKMSVersion {
			continue
		}
		out = append(out, Observation{
			Subject: k.ID,
			Description: fmt.Sprintf("key %s is encrypted under master key version %q, current is %q",
				k.ID, k.KMSVersion, cfg.CurrentKMSVersion),
		})
	}
	return out, nil
}

func scopedDecryptOnly(_ context.Context, snap Snapshot) ([]Observation, error) {
	cfg, err := snap.Configuration()
	if err != nil {
		return nil, err
	}
	var reasons []string
	if cfg.AllowPlaintextExport {
		reasons = append(reasons, "plaintext export is enabled")
	}
	if cfg.OverrunScopes > 0 {
		reasons = append(reasons, fmt.Sprintf("%d decrypt scopes stayed open longer than %s", cfg.OverrunScopes, cfg.ScopeBudget))
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	desc := "plaintext access is not limited to scoped decryption: " + reasons[0]
	for _, r := range reasons[1:] {
		desc += "; " + r
	}
	return []Observation{{Subject: SubjectStore, Description: desc}}, nil
}

func singleActiveKey(_ context.Context, snap Snapshot) ([]Observation, error) {
	counts := make(map[string]int)
	for _, k := range snap.Keys {
		counts[k.OwnerID+"/"+string(k.Provider)]++
	}
	pairs := make([]string, 0, len(counts))
	for pair, n := range counts {
		if n > 1 {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)

	out := make([]Observation, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, Observation{
			Subject:     pair,
			Description: fmt.Sprintf("%s has %d stored keys, expected one", pair, counts[pair]),
		})
	}
	return out, nil
}

func masterKeySource(_ context.Context, snap Snapshot) ([]Observation, error) {
	cfg, err := snap.Configuration()
	if err != nil {
		return nil, err
	}
	if cfg.MasterKeySource != kms.SourceEnv {
		return nil, nil
	}
	return []Observation{{
		Subject:     SubjectStore,
		Description: "master key is read from a process environment variable; prefer the OS keyring or a cloud secret manager",
	}}, nil
}

func formatDays(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
