// Package secrets resolves secret references such as "env:POOL_HTTP_TOKEN" or
// "aws-sm:pool/prod#signerKey" to their values.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	SchemeEnv = "env"
	SchemeAWS = "aws-sm"
)

var (
	ErrInvalidRef = errors.New("secrets: invalid reference")
	ErrNotFound   = errors.New("secrets: not found")
)

// Provider looks up a secret by the part of a reference after the scheme.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// SecretsManagerClient is the part of *secretsmanager.Client used here.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Env reads process environment variables.
type Env struct{}

func (Env) Get(_ context.Context, key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// SecretsManager reads AWS Secrets Manager. A key of the form "id#field"
// selects one string field of a JSON secret.
type SecretsManager struct {
	client SecretsManagerClient
}

func NewSecretsManager(client SecretsManagerClient) *SecretsManager {
	return &SecretsManager{client: client}
}

func (p *SecretsManager) Get(ctx context.Context, key string) (string, error) {
	id, field, _ := strings.Cut(key, "#")
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", id, err)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return strings.TrimSpace(raw), nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object", ErrInvalidRef, id)
	}
	v, ok := doc[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}

// Resolver dispatches references to providers by scheme. The AWS provider is
// built on first use so deployments without AWS never load its config.
type Resolver struct {
	env Provider

	awsOnce sync.Once
	awsNew  func(context.Context) (Provider, error)
	aws     Provider
	awsErr  error
}

func NewResolver() *Resolver {
	return &Resolver{
		env: Env{},
		awsNew: func(ctx context.Context) (Provider, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("secrets: load aws config: %w", err)
			}
			return NewSecretsManager(secretsmanager.NewFromConfig(cfg)), nil
		},
	}
}

// NewResolverWith uses the given providers; a nil provider disables its scheme.
func NewResolverWith(env, aws Provider) *Resolver {
	r := &Resolver{env: env}
	r.awsNew = func(context.Context) (Provider, error) {
		if aws == nil {
			return nil, fmt.Errorf("%w: scheme %q is not configured", ErrInvalidRef, SchemeAWS)
		}
		return aws, nil
	}
	return r
}

// Resolve returns "" for an empty reference, so optional secrets can be left
// unset in config.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, key, ok := strings.Cut(ref, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %q must look like scheme:key", ErrInvalidRef, ref)
	}

	switch scheme {
	case SchemeEnv:
		if r.env == nil {
			return "", fmt.Errorf("%w: scheme %q is not configured", ErrInvalidRef, scheme)
		}
		return r.env.Get(ctx, key)
	case SchemeAWS:
		r.awsOnce.Do(func() { r.aws, r.awsErr = r.awsNew(ctx) })
		if r.awsErr != nil {
			return "", r.awsErr
		}
		return r.aws.Get(ctx, key)
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrInvalidRef, scheme)
	}
}
