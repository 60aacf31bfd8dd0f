package kms

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
)

// AzureKeyVaultClientAPI is the subset of the Key Vault secrets client used here
type AzureKeyVaultClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureKeyVaultSource reads the master key from a Key Vault secret. Key Vault
// version ids are master key versions.
type AzureKeyVaultSource struct {
	secretName string
	client     AzureKeyVaultClientAPI
}

// NewAzureKeyVaultSource creates a source. A nil client is built from the
// options with azidentity.
func NewAzureKeyVaultSource(vaultURL, secretName string, options map[string]interface{}, client AzureKeyVaultClientAPI) (*AzureKeyVaultSource, error) {
	if secretName == "" {
		return nil, dserrors.ConfigError{Field: "kms.options.secret", Message: "secret is required for azure-keyvault"}
	}
	s := &AzureKeyVaultSource{secretName: secretName, client: client}
	if s.client != nil {
		return s, nil
	}
	if vaultURL == "" {
		return nil, dserrors.ConfigError{Field: "kms.options.vault_url", Message: "vault_url is required for azure-keyvault"}
	}

	cred, err := azureCredential(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	c, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	s.client = c
	return s, nil
}

func azureCredential(options map[string]interface{}) (azcore.TokenCredential, error) {
	switch {
	case boolOption(options, "use_managed_identity"):
		if id := stringOption(options, "user_assigned_id", ""); id != "" {
			return azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
				ID: azidentity.ClientID(id),
			})
		}
		return azidentity.NewManagedIdentityCredential(nil)
	case stringOption(options, "client_secret", "") != "":
		return azidentity.NewClientSecretCredential(
			stringOption(options, "tenant_id", ""),
			stringOption(options, "client_id", ""),
			stringOption(options, "client_secret", ""),
			nil,
		)
	default:
		return azidentity.NewDefaultAzureCredential(nil)
	}
}

// NewAzureKeyVaultSourceFromConfig reads "vault_url" and "secret"
func NewAzureKeyVaultSourceFromConfig(options map[string]interface{}) (MasterKeySource, error) {
	return NewAzureKeyVaultSource(
		stringOption(options, "vault_url", ""),
		stringOption(options, "secret", ""),
		options, nil)
}

func (s *AzureKeyVaultSource) Kind() string { return SourceAzureKeyVault }

func (s *AzureKeyVaultSource) Fetch(ctx context.Context, version string) (*secure.Secret, string, error) {
	resp, err := s.client.GetSecret(ctx, s.secretName, version, nil)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceAzureKeyVault, "fetch", err)
	}
	if resp.Value == nil {
		return nil, "", dserrors.MasterKeyError(SourceAzureKeyVault, "fetch", fmt.Errorf("secret %s has no value", s.secretName))
	}

	key, err := decodeMasterKey([]byte(*resp.Value), false)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceAzureKeyVault, "decode", err)
	}

	resolved := version
	if resp.ID != nil && resp.ID.Version() != "" {
		resolved = resp.ID.Version()
	}
	if resolved == "" {
		return nil, "", fmt.Errorf("%w: key vault returned no version id", ErrUnknownVersion)
	}
	return key, resolved, nil
}
