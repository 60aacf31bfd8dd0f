package kms

import (
	"context"
	"fmt"
	"os"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
)

// DefaultMasterKeyEnv is read when no variable is configured
const DefaultMasterKeyEnv = "DSKEYS_MASTER_KEY"

const envVersion = "env"

// EnvSource reads a base64 master key from an environment variable. It has a
// single version.
type EnvSource struct {
	variable string
	lookup   func(string) (string, bool)
}

// NewEnvSource creates a source reading variable
func NewEnvSource(variable string) *EnvSource {
	if variable == "" {
		variable = DefaultMasterKeyEnv
	}
	return &EnvSource{variable: variable, lookup: os.LookupEnv}
}

// NewEnvSourceFromConfig reads the "variable" option
func NewEnvSourceFromConfig(options map[string]interface{}) (MasterKeySource, error) {
	return NewEnvSource(stringOption(options, "variable", DefaultMasterKeyEnv)), nil
}

func (s *EnvSource) Kind() string { return SourceEnv }

// Variable returns the environment variable name
func (s *EnvSource) Variable() string { return s.variable }

func (s *EnvSource) Fetch(_ context.Context, version string) (*secure.Secret, string, error) {
	if version != "" && version != envVersion {
		return nil, "", fmt.Errorf("%w: environment source only has version %q", ErrUnknownVersion, envVersion)
	}
	raw, ok := s.lookup(s.variable)
	if !ok || raw == "" {
		return nil, "", dserrors.MasterKeyError(SourceEnv, "fetch", fmt.Errorf("%s is not set", s.variable))
	}
	key, err := decodeMasterKey([]byte(raw), false)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceEnv, "decode", err)
	}
	return key, envVersion, nil
}
