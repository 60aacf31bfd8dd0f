package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
)

const (
	defaultKeyringService = "dskeys"
	defaultKeyringAccount = "master-key"
	keyringVersion        = "keyring"
)

// KeyringClient is the subset of the OS keyring used here
type KeyringClient interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
}

type osKeyring struct{}

func (osKeyring) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}

func (osKeyring) Set(service, account, secret string) error {
	return keyring.Set(service, account, secret)
}

// KeyringSource reads the master key from the OS keyring (macOS Keychain,
// Secret Service, Windows Credential Manager)
type KeyringSource struct {
	service string
	account string
	client  KeyringClient
}

// NewKeyringSource creates a keyring source. A nil client uses the OS keyring.
func NewKeyringSource(service, account string, client KeyringClient) *KeyringSource {
	if service == "" {
		service = defaultKeyringService
	}
	if account == "" {
		account = defaultKeyringAccount
	}
	if client == nil {
		client = osKeyring{}
	}
	return &KeyringSource{service: service, account: account, client: client}
}

// NewKeyringSourceFromConfig reads "service" and "account" options
func NewKeyringSourceFromConfig(options map[string]interface{}) (MasterKeySource, error) {
	return NewKeyringSource(
		stringOption(options, "service", defaultKeyringService),
		stringOption(options, "account", defaultKeyringAccount),
		nil,
	), nil
}

func (s *KeyringSource) Kind() string { return SourceKeyring }

func (s *KeyringSource) Fetch(_ context.Context, version string) (*secure.Secret, string, error) {
	if version != "" && version != keyringVersion {
		return nil, "", fmt.Errorf("%w: keyring source only has version %q", ErrUnknownVersion, keyringVersion)
	}
	raw, err := s.client.Get(s.service, s.account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			err = fmt.Errorf("keyring item %s/%s not found", s.service, s.account)
		}
		return nil, "", dserrors.MasterKeyError(SourceKeyring, "fetch", err)
	}
	key, err := decodeMasterKey([]byte(raw), false)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceKeyring, "decode", err)
	}
	return key, keyringVersion, nil
}

// Validate checks that the keyring item exists
func (s *KeyringSource) Validate(ctx context.Context) error {
	key, _, err := s.Fetch(ctx, "")
	if err != nil {
		return err
	}
	key.Destroy()
	return nil
}

// Initialize stores a fresh random master key if none exists yet. It reports
// whether a key was created.
func (s *KeyringSource) Initialize(random func([]byte) (int, error)) (bool, error) {
	if _, err := s.client.Get(s.service, s.account); err == nil {
		return false, nil
	} else if !errors.Is(err, keyring.ErrNotFound) {
		return false, dserrors.MasterKeyError(SourceKeyring, "initialize", err)
	}

	buf := make([]byte, dataKeyLen)
	defer wipe(buf)
	if _, err := random(buf); err != nil {
		return false, fmt.Errorf("generating master key: %w", err)
	}
	if err := s.client.Set(s.service, s.account, base64.StdEncoding.EncodeToString(buf)); err != nil {
		return false, dserrors.MasterKeyError(SourceKeyring, "initialize", err)
	}
	return true, nil
}
