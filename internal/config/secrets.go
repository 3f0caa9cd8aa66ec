package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretPrefix marks a value that names an SSM parameter instead of holding the secret.
const SecretPrefix = "ssm:"

// SecretResolver looks up a secret by parameter name.
type SecretResolver interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ssmAPI is the part of *ssm.Client the resolver needs.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMResolver reads SecureString parameters from AWS SSM Parameter Store.
type SSMResolver struct {
	api ssmAPI
}

// NewSSMResolver wraps an SSM API implementation.
func NewSSMResolver(api ssmAPI) (*SSMResolver, error) {
	if api == nil {
		return nil, errors.New("ssm resolver: api must not be nil")
	}
	return &SSMResolver{api: api}, nil
}

// NewDefaultSSMResolver builds a resolver from the default AWS credential chain.
func NewDefaultSSMResolver(ctx context.Context) (*SSMResolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSSMResolver(ssm.NewFromConfig(cfg))
}

func (r *SSMResolver) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("ssm resolver: name is required")
	}
	withDecryption := true
	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"OPENAI_API_KEY":       &c.OpenAIKey,
		"GEMINI_API_KEY":       &c.GeminiKey,
		"DATABASE_URL":         &c.DatabaseURL,
		"TWILIO_AUTH_TOKEN":    &c.TwilioAuthToken,
		"REPORT_S3_ACCESS_KEY": &c.ReportS3.AccessKey,
		"REPORT_S3_SECRET_KEY": &c.ReportS3.SecretKey,
	}
}

// HasSecretRefs reports whether any secret field is an SSM reference.
func (c *Config) HasSecretRefs() bool {
	for _, v := range c.secretFields() {
		if strings.HasPrefix(*v, SecretPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every "ssm:/name" value with the parameter it names.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	for key, v := range c.secretFields() {
		name, ok := strings.CutPrefix(*v, SecretPrefix)
		if !ok {
			continue
		}
		value, err := r.GetParameter(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		*v = value
	}
	return nil
}
