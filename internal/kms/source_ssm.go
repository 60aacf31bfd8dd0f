package kms

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
)

// SSMClientAPI is the subset of SSM Parameter Store used here
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// AWSSSMSource reads the master key from a SecureString parameter. The
// parameter version number is the master key version.
type AWSSSMSource struct {
	parameter string
	client    SSMClientAPI
	sts       STSClientAPI
}

// NewAWSSSMSource creates a source for parameter. Nil clients are built from
// the AWS options.
func NewAWSSSMSource(ctx context.Context, parameter string, settings map[string]interface{}, client SSMClientAPI, stsClient STSClientAPI) (*AWSSSMSource, error) {
	if parameter == "" {
		return nil, dserrors.ConfigError{Field: "kms.options.parameter", Message: "parameter is required for aws-ssm"}
	}
	s := &AWSSSMSource{parameter: parameter, client: client, sts: stsClient}
	if s.client != nil && s.sts != nil {
		return s, nil
	}

	as := awsSettingsFromConfig(settings)
	cfg, err := as.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.client == nil {
		s.client = ssm.NewFromConfig(cfg, func(o *ssm.Options) {
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

// NewAWSSSMSourceFromConfig reads "parameter" plus the shared AWS options
func NewAWSSSMSourceFromConfig(options map[string]interface{}) (MasterKeySource, error) {
	return NewAWSSSMSource(context.Background(), stringOption(options, "parameter", ""), options, nil, nil)
}

func (s *AWSSSMSource) Kind() string { return SourceAWSSSM }

func (s *AWSSSMSource) Fetch(ctx context.Context, version string) (*secure.Secret, string, error) {
	name := s.parameter
	if version != "" {
		if _, err := strconv.ParseInt(version, 10, 64); err != nil {
			return nil, "", fmt.Errorf("%w: ssm versions are numeric, got %q", ErrUnknownVersion, version)
		}
		name = s.parameter + ":" + version
	}

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceAWSSSM, "fetch", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, "", dserrors.MasterKeyError(SourceAWSSSM, "fetch", fmt.Errorf("parameter %s has no value", s.parameter))
	}

	key, err := decodeMasterKey([]byte(*out.Parameter.Value), false)
	if err != nil {
		return nil, "", dserrors.MasterKeyError(SourceAWSSSM, "decode", err)
	}
	return key, strconv.FormatInt(out.Parameter.Version, 10), nil
}

// Validate confirms the AWS credentials resolve to a caller identity
func (s *AWSSSMSource) Validate(ctx context.Context) error {
	return validateCallerIdentity(ctx, s.sts, SourceAWSSSM)
}
