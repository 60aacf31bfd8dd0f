package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"github.com/systmms/dskeys/internal/secure"
)

// Master key source kinds
const (
	SourceEnv               = "env"
	SourceKeyring           = "keyring"
	SourceAWSSecretsManager = "aws-secretsmanager"
	SourceAWSSSM            = "aws-ssm"
	SourceGCPSecretManager  = "gcp-secretmanager"
	SourceAzureKeyVault     = "azure-keyvault"
)

// MasterKeySource fetches master key material. An empty version asks for the
// current one; the resolved version is always returned.
type MasterKeySource interface {
	Kind() string
	Fetch(ctx context.Context, version string) (*secure.Secret, string, error)
}

// Validator is implemented by sources that can check their credentials
// without fetching key material
type Validator interface {
	Validate(ctx context.Context) error
}

// SourceFactory builds a master key source from its config options
type SourceFactory func(options map[string]interface{}) (MasterKeySource, error)

var (
	sourcesMu sync.RWMutex
	sources   = map[string]SourceFactory{
		SourceEnv:               NewEnvSourceFromConfig,
		SourceKeyring:           NewKeyringSourceFromConfig,
		SourceAWSSecretsManager: NewAWSSecretsManagerSourceFromConfig,
		SourceAWSSSM:            NewAWSSSMSourceFromConfig,
		SourceGCPSecretManager:  NewGCPSecretManagerSourceFromConfig,
		SourceAzureKeyVault:     NewAzureKeyVaultSourceFromConfig,
	}
)

// RegisterSource adds or replaces a source factory
func RegisterSource(kind string, factory SourceFactory) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	sources[kind] = factory
}

// SourceKinds lists registered source kinds
func SourceKinds() []string {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()
	kinds := make([]string, 0, len(sources))
	for k := range sources {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewSource creates the master key source named kind
func NewSource(kind string, options map[string]interface{}) (MasterKeySource, error) {
	sourcesMu.RLock()
	factory, ok := sources[kind]
	sourcesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown master key source %q (available: %v)", kind, SourceKinds())
	}
	if options == nil {
		options = map[string]interface{}{}
	}
	return factory(options)
}

// decodeMasterKey accepts base64 text, or raw 32 byte keys when allowRaw is set.
// data is wiped.
func decodeMasterKey(data []byte, allowRaw bool) (*secure.Secret, error) {
	defer wipe(data)

	if allowRaw && len(data) == dataKeyLen {
		cp := make([]byte, len(data))
		copy(cp, data)
		return secure.NewSecret(cp), nil
	}

	trimmed := bytes.TrimSpace(data)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(out, trimmed)
	if err != nil {
		wipe(out)
		return nil, fmt.Errorf("master key is not valid base64")
	}
	if n < dataKeyLen {
		wipe(out)
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", dataKeyLen, n)
	}
	return secure.NewSecret(out[:n]), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func stringOption(options map[string]interface{}, key, fallback string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolOption(options map[string]interface{}, key string) bool {
	v, _ := options[key].(bool)
	return v
}
