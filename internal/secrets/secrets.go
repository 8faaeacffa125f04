// Package secrets resolves secret references such as
// aws-sm://<secret-id> and vault://<path>#<key>
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

const (
	SchemeAWS   = "aws-sm://"
	SchemeVault = "vault://"
)

// ErrUnsupportedReference is returned for references with an unknown scheme
var ErrUnsupportedReference = errors.New("unsupported secret reference")

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// VaultReader reads a secret at a logical path
type VaultReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// Config configures the secret backends. Backends are created lazily on
// first use.
type Config struct {
	Region     string
	VaultAddr  string
	VaultToken string
}

// Resolver resolves secret references
type Resolver struct {
	config Config
	aws    SecretsManagerAPI
	vault  VaultReader
}

// NewResolver creates a resolver
func NewResolver(cfg Config) *Resolver {
	return &Resolver{config: cfg}
}

// NewResolverWithClients creates a resolver over existing clients; either may be nil
func NewResolverWithClients(awsClient SecretsManagerAPI, vaultClient VaultReader) *Resolver {
	return &Resolver{aws: awsClient, vault: vaultClient}
}

// IsReference reports whether s uses a supported scheme
func IsReference(s string) bool {
	return strings.HasPrefix(s, SchemeAWS) || strings.HasPrefix(s, SchemeVault)
}

// Resolve returns the secret value referenced by ref
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, SchemeAWS):
		return r.resolveAWS(ctx, strings.TrimPrefix(ref, SchemeAWS))
	case strings.HasPrefix(ref, SchemeVault):
		return r.resolveVault(ctx, strings.TrimPrefix(ref, SchemeVault))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedReference, ref)
	}
}

func (r *Resolver) resolveAWS(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", errors.New("aws secret reference has no secret id")
	}
	if r.aws == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if r.config.Region != "" {
			opts = append(opts, awsconfig.WithRegion(r.config.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return "", fmt.Errorf("failed to load AWS config: %w", err)
		}
		r.aws = secretsmanager.NewFromConfig(awsCfg)
	}

	out, err := r.aws.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}

	log.Debug().Str("secretId", id).Msg("Resolved secret from AWS Secrets Manager")
	return aws.ToString(out.SecretString), nil
}

// resolveVault reads <path>#<key>. KV v2 responses nest values under "data".
func (r *Resolver) resolveVault(ctx context.Context, ref string) (string, error) {
	path, key, ok := strings.Cut(ref, "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("vault reference must be vault://<path>#<key>, got %q", SchemeVault+ref)
	}
	if r.vault == nil {
		cfg := vault.DefaultConfig()
		if r.config.VaultAddr != "" {
			cfg.Address = r.config.VaultAddr
		}
		client, err := vault.NewClient(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to create vault client: %w", err)
		}
		if r.config.VaultToken != "" {
			client.SetToken(r.config.VaultToken)
		}
		r.vault = client.Logical()
	}

	secret, err := r.vault.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read vault path %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s not found", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault path %s has no key %s", path, key)
	}

	log.Debug().Str("path", path).Str("key", key).Msg("Resolved secret from Vault")
	if v, ok := value.(string); ok {
		return v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("vault path %s key %s: %w", path, key, err)
	}
	return string(raw), nil
}
