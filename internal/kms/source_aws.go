package kms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
)

// SecretsManagerClientAPI is the subset of Secrets Manager used here
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// STSClientAPI is used to confirm which identity the AWS sources run as
type STSClientAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// awsSettings are shared by the AWS backed sources
type awsSettings struct {
	region          string
	endpoint        string
	profile         string
	accessKeyID     string
	secretAccessKey string
}

func awsSettingsFromConfig(options map[string]interface{}) awsSettings {
	return awsSettings{
		region:          stringOption(options, "region", "us-east-1"),
		endpoint:        stringOption(options, "endpoint", ""),
		profile:         stringOption(options, "profile", ""),
		accessKeyID:     stringOption(options, "access_key_id", ""),
		secretAccessKey: stringOption(options, "secret_access_key", ""),
	}
}

func (s awsSettings) load(ctx context.Context) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(s.region)}
	if s.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(s.profile))
	}
	// Static credentials are for LocalStack and tests
	if s.accessKeyID != "" && s.secretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKeyID, s.secretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func (s awsSettings) stsClient(cfg aws.Config) *sts.Client {
	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
	})
}

// AWSSecretsManagerSource reads the master key from an AWS Secrets Manager
// secret. Secret versions map to master key versions through VersionId.
type AWSSecretsManagerSource struct {
	secretID string
	client   SecretsManagerClientAPI
	sts      STSClientAPI
}

// AWSOption customises AWS backed sources
type AWSOption func(*AWSSecretsManagerSource)

// WithSecretsManagerClient injects a Secrets Manager client
func WithSecretsManagerClient(c SecretsManagerClientAPI) AWSOption {
	return func(s *AWSSecretsManagerSource) { s.client = c }
}

// WithSTSClient injects an STS client
func WithSTSClient(c STSClientAPI) AWSOption {
	return func(s *AWSSecretsManagerSource) { s.sts = c }
}

// NewAWSSecretsManagerSource creates a source for secretID
func NewAWSSecretsManagerSource(ctx context.Context, secretID string, settings map[string]interface{}, opts ...AWSOption) (*AWSSecretsManagerSource, error) {
	if secretID == "" {
		return nil, dserrors.ConfigError{Field: "kms.options.secret_id", Message: "secret_id is required for aws-secretsmanager"}
	}
	s := &AWSSecretsManagerSource{secretID: secretID}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil && s.sts != nil {
		return s, nil
	}

	as := awsSettingsFromConfig(settings)
	cfg, err := as.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.client == nil {
		s.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
			if as.endpoint != "" {
				o.BaseEndpoint = aws.String(as.endpoint)
			}
		})
	}
	if s.sts == nil {
		s.sts = as.stsClient(cfg)
	}
	return s, nil
}

// NewAWSSecretsManagerSourceFromConfig reads "secret_id" plus the shared AWS options
func NewAWSSecretsManagerSourceFromConfig(options map[string]interface{}) (MasterKeySource, error) {
	return NewAWSSecretsManagerSource(context.Background(), stringOption(options, "secret_id", ""), options)
}

func (s *AWSSecretsManagerSource) Kind() string { return SourceAWSSecretsManager }

func (s *AWSSecretsManagerSource) Fetch(ctx context.Context, version string) (*secure.Secret, string, error) {
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.secretID)}
	if version != "" {
		input.VersionId = aws.String(version)
	}

	out, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceAWSSecretsManager, "fetch", err)
	}

	var key *secure.Secret
	switch {
	case len(out.SecretBinary) > 0:
		key, err = decodeMasterKey(out.SecretBinary, true)
	case out.SecretString != nil:
		key, err = decodeMasterKey([]byte(*out.SecretString), false)
	default:
		err = fmt.Errorf("secret %s has no value", s.secretID)
	}
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceAWSSecretsManager, "decode", err)
	}
	return key, aws.ToString(out.VersionId), nil
}

// Validate confirms the AWS credentials resolve to a caller identity
func (s *AWSSecretsManagerSource) Validate(ctx context.Context) error {
	return validateCallerIdentity(ctx, s.sts, SourceAWSSecretsManager)
}

func validateCallerIdentity(ctx context.Context, client STSClientAPI, source string) error {
	if client == nil {
		return nil
	}
	if _, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return dserrors.UserError{
			Message:    fmt.Sprintf("%s: AWS credentials are not usable", source),
			Details:    err.Error(),
			Suggestion: "Check AWS credentials and permissions to call sts:GetCallerIdentity",
			Err:        err,
		}
	}
	return nil
}
