package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSMClient struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	calls  int
}

func (c *fakeSMClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.calls++
	out, ok := c.values[*in.SecretId]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return out, nil
}

func strPtr(v string) *string { return &v }

func TestResolveEnv(t *testing.T) {
	const key = "POOL_SECRETS_TEST_TOKEN"
	t.Setenv(key, "  super-secret  ")

	r := NewResolver()
	got, err := r.Resolve(context.Background(), "env:"+key)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "super-secret" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := r.Resolve(context.Background(), "env:POOL_SECRETS_TEST_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveEmptyAndInvalidRefs(t *testing.T) {
	t.Parallel()

	r := NewResolverWith(Env{}, nil)
	if got, err := r.Resolve(context.Background(), "  "); err != nil || got != "" {
		t.Fatalf("empty ref: %q %v", got, err)
	}
	for _, ref := range []string{"plain-value", "env:", "vault:pool/key", "aws-sm:pool/key"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("%q: expected ErrInvalidRef, got %v", ref, err)
		}
	}
}

func TestResolveSecretsManager(t *testing.T) {
	t.Parallel()

	client := &fakeSMClient{values: map[string]*secretsmanager.GetSecretValueOutput{
		"pool/http":  {SecretString: strPtr(" bearer-token ")},
		"pool/prod":  {SecretString: strPtr(`{"signerKey":"0xabc","relayToken":"r1","n":1}`)},
		"pool/bin":   {SecretBinary: []byte("raw-bytes")},
		"pool/empty": {SecretString: strPtr("  ")},
	}}
	r := NewResolverWith(Env{}, NewSecretsManager(client))
	ctx := context.Background()

	cases := map[string]string{
		"aws-sm:pool/http":            "bearer-token",
		"aws-sm:pool/prod#signerKey":  "0xabc",
		"aws-sm:pool/prod#relayToken": "r1",
		"aws-sm:pool/bin":             "raw-bytes",
	}
	for ref, want := range cases {
		got, err := r.Resolve(ctx, ref)
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		if got != want {
			t.Fatalf("%s: got %q want %q", ref, got, want)
		}
	}

	if _, err := r.Resolve(ctx, "aws-sm:pool/empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty secret, got %v", err)
	}
	if _, err := r.Resolve(ctx, "aws-sm:pool/prod#n"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-string field, got %v", err)
	}
	if _, err := r.Resolve(ctx, "aws-sm:pool/http#field"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef for field of non-JSON secret, got %v", err)
	}
	if _, err := r.Resolve(ctx, "aws-sm:pool/missing"); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
