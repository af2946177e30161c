// Package secrets resolves the bearer tokens the client sends to the proof service and the
// wallet bridge. Tokens come from the environment or from AWS Secrets Manager and are never
// written to config files.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	SourceNone = "none"
	SourceEnv  = "env"
	SourceAWS  = "aws"
)

type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// New builds the provider for source. The AWS provider loads the default credential chain.
func New(ctx context.Context, source string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", SourceNone:
		return noneProvider{}, nil
	case SourceEnv:
		return EnvProvider{}, nil
	case SourceAWS:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
		}
		return NewAWS(secretsmanager.NewFromConfig(cfg))
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, source)
	}
}

// AWSProvider reads Secrets Manager entries. A ref of the form "name#field" selects one
// field of a JSON secret, so both tokens can live in a single entry.
type AWSProvider struct {
	client awsClient
}

func NewAWS(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, ref string) (string, error) {
	name, field, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", name, err)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}
	if field == "" {
		if v := strings.TrimSpace(raw); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: %q is empty", ErrNotFound, name)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: %q is not a JSON object", ErrInvalidConfig, name)
	}
	v, ok := fields[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %q has no field %q", ErrNotFound, name, field)
	}
	return strings.TrimSpace(v), nil
}

func splitRef(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	name, field, _ := strings.Cut(ref, "#")
	if name == "" {
		return "", "", fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	return name, strings.TrimSpace(field), nil
}

// EnvProvider treats refs as environment variable names.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(ref))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, ref)
	}
	return v, nil
}

type noneProvider struct{}

func (noneProvider) Get(_ context.Context, ref string) (string, error) {
	return "", fmt.Errorf("%w: no secret source configured for %q", ErrNotFound, ref)
}

// Tokens are the bearer tokens for the two HTTP backends. Empty means unauthenticated.
type Tokens struct {
	API    string
	Wallet string
}

// LoadTokens resolves the configured refs. An empty ref is skipped.
func LoadTokens(ctx context.Context, p Provider, apiRef, walletRef string) (Tokens, error) {
	var t Tokens
	var err error
	if strings.TrimSpace(apiRef) != "" {
		if t.API, err = p.Get(ctx, apiRef); err != nil {
			return Tokens{}, fmt.Errorf("secrets: api token: %w", err)
		}
	}
	if strings.TrimSpace(walletRef) != "" {
		if t.Wallet, err = p.Get(ctx, walletRef); err != nil {
			return Tokens{}, fmt.Errorf("secrets: wallet token: %w", err)
		}
	}
	return t, nil
}
