package kms

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
)

// SecretVersionAccessor is the subset of Secret Manager used here
type SecretVersionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

type gcpAccessor struct {
	client *secretmanager.Client
}

func (g gcpAccessor) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.client.AccessSecretVersion(ctx, req)
}

// GCPSecretManagerSource reads the master key from a Secret Manager secret.
// Numbered secret versions are master key versions.
type GCPSecretManagerSource struct {
	secret string // projects/<p>/secrets/<s>
	client SecretVersionAccessor
}

// NewGCPSecretManagerSource creates a source. A nil client is built from the
// options (service_account_key_path, impersonate_service_account).
func NewGCPSecretManagerSource(ctx context.Context, projectID, secretName string, options map[string]interface{}, client SecretVersionAccessor) (*GCPSecretManagerSource, error) {
	if projectID == "" || secretName == "" {
		return nil, dserrors.ConfigError{
			Field:   "kms.options",
			Message: "project_id and secret are required for gcp-secretmanager",
		}
	}
	s := &GCPSecretManagerSource{
		secret: fmt.Sprintf("projects/%s/secrets/%s", projectID, secretName),
		client: client,
	}
	if s.client != nil {
		return s, nil
	}

	var clientOptions []option.ClientOption
	if path := stringOption(options, "service_account_key_path", ""); path != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(path))
	}
	if target := stringOption(options, "impersonate_service_account", ""); target != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: target,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create impersonated credentials: %w", err)
		}
		clientOptions = append(clientOptions, option.WithTokenSource(ts))
	}
	c, err := secretmanager.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	s.client = gcpAccessor{client: c}
	return s, nil
}

// NewGCPSecretManagerSourceFromConfig reads "project_id" and "secret"
func NewGCPSecretManagerSourceFromConfig(options map[string]interface{}) (MasterKeySource, error) {
	return NewGCPSecretManagerSource(context.Background(),
		stringOption(options, "project_id", ""),
		stringOption(options, "secret", ""),
		options, nil)
}

func (s *GCPSecretManagerSource) Kind() string { return SourceGCPSecretManager }

func (s *GCPSecretManagerSource) Fetch(ctx context.Context, version string) (*secure.Secret, string, error) {
	if version == "" {
		version = "latest"
	}
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secret + "/versions/" + version,
	})
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceGCPSecretManager, "fetch", err)
	}
	if resp.GetPayload() == nil || len(resp.GetPayload().GetData()) == 0 {
		return nil, "", dserrors.MasterKeyError(SourceGCPSecretManager, "fetch", fmt.Errorf("secret %s has no data", s.secret))
	}

	key, err := decodeMasterKey(resp.GetPayload().GetData(), true)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceGCPSecretManager, "decode", err)
	}

	resolved := version
	if name := resp.GetName(); name != "" {
		resolved = name[strings.LastIndex(name, "/")+1:]
	}
	return key, resolved, nil
}
