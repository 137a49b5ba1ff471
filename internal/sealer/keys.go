package sealer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretValueAPI is the subset of the Secrets Manager client used here.
type SecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// KeyFromString accepts either "base64:<data>" or a raw passphrase.
func KeyFromString(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, ErrEmptySecret
	}
	if rest, ok := strings.CutPrefix(v, "base64:"); ok {
		key, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("sealer: decode key: %w", err)
		}
		return key, nil
	}
	return []byte(v), nil
}

// KeyFromSecretsManager reads the key material from an AWS Secrets Manager secret.
func KeyFromSecretsManager(ctx context.Context, api SecretValueAPI, secretID string) ([]byte, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, fmt.Errorf("sealer: get secret %s: %w", secretID, err)
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return KeyFromString(*out.SecretString)
	}
	return nil, errors.New("sealer: secret has no value")
}

// NewSecretsManagerClient builds a client from the default AWS credential chain.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sealer: aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}
