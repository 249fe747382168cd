package material

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/google/uuid"

	"github.com/keywheel/keywheel/internal/secure"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client the
// source needs, extracted so tests can inject a fake.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSConfig configures the AWS Secrets Manager material source.
type AWSConfig struct {
	Region string
	Prefix string

	// Endpoint overrides the service endpoint, for LocalStack and tests.
	Endpoint string

	// Static credentials for test environments; the default chain is used
	// when both are empty.
	AccessKeyID     string
	SecretAccessKey string
}

// AWSSecretsManagerSource mints material locally and stores a copy as a new
// secret version in AWS Secrets Manager, so downstream consumers that read
// from AWS pick up the rotation partner without redeployment.
type AWSSecretsManagerSource struct {
	config AWSConfig
	client SecretsManagerAPI
	local  *RandomSource
}

// AWSOption is a functional option for the AWS source.
type AWSOption func(*AWSSecretsManagerSource)

// WithSecretsManagerClient injects a client, used by tests.
func WithSecretsManagerClient(client SecretsManagerAPI) AWSOption {
	return func(s *AWSSecretsManagerSource) {
		s.client = client
	}
}

// NewAWSSecretsManagerSource creates the source, building a real client from
// the default config chain unless one was injected.
func NewAWSSecretsManagerSource(ctx context.Context, cfg AWSConfig, opts ...AWSOption) (*AWSSecretsManagerSource, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "keywheel"
	}

	s := &AWSSecretsManagerSource{
		config: cfg,
		local:  NewRandomSource(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		configOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		var clientOpts []func(*secretsmanager.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	}
	return s, nil
}

// Name returns the source name.
func (s *AWSSecretsManagerSource) Name() string {
	return "aws-secretsmanager"
}

// Generate mints material locally and mirrors it into Secrets Manager under
// a per-rotation secret name.
func (s *AWSSecretsManagerSource) Generate(ctx context.Context, serviceTemplate string) (*secure.Material, error) {
	m, err := s.local.Generate(ctx, serviceTemplate)
	if err != nil {
		return nil, err
	}

	secretName := fmt.Sprintf("%s/%s/%s", s.config.Prefix, serviceTemplate, uuid.NewString())
	err = m.Reveal(func(plaintext []byte) error {
		value := string(plaintext)
		_, createErr := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(secretName),
			SecretString: aws.String(value),
			Description:  aws.String("keywheel rotation material for " + serviceTemplate),
		})
		if createErr == nil {
			return nil
		}
		// The name is uuid-suffixed, so an existing secret means a retried
		// call; push a new version instead.
		_, putErr := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(secretName),
			SecretString: aws.String(value),
		})
		if putErr != nil {
			return fmt.Errorf("storing material in secrets manager: %w", createErr)
		}
		return nil
	})
	if err != nil {
		m.Destroy()
		return nil, err
	}
	return m, nil
}
