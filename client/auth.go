package client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/bronystylecrazy/ultrasync/realtime/auth"
	"go.uber.org/zap"
)

// NewAuth builds the interceptor pair for the configured auth mode. Token
// modes use tokens when given, the static token from cfg otherwise.
func NewAuth(ctx context.Context, cfg Config, tokens auth.TokenProvider, logger *zap.Logger) (auth.Interceptor, error) {
	if tokens == nil {
		tokens = auth.StaticToken(cfg.Auth.Token)
	}
	switch cfg.Auth.Type {
	case "", AuthAPIKey:
		if cfg.Auth.APIKey == "" {
			return auth.Interceptor{}, fmt.Errorf("client: %s requires auth.api_key", AuthAPIKey)
		}
		return auth.APIKey(cfg.Auth.APIKey), nil
	case AuthUserPools:
		return auth.UserPools(tokens, logger), nil
	case AuthOIDC:
		return auth.OIDC(tokens, logger), nil
	case AuthLambda:
		return auth.Lambda(tokens, logger), nil
	case AuthIAM:
		creds, err := credentialsFor(ctx, cfg)
		if err != nil {
			return auth.Interceptor{}, err
		}
		return auth.IAM(creds, cfg.Region), nil
	default:
		return auth.Interceptor{}, fmt.Errorf("client: unknown auth type %q", cfg.Auth.Type)
	}
}

// credentialsFor prefers static keys from the config and falls back to the
// default AWS credential chain.
func credentialsFor(ctx context.Context, cfg Config) (aws.CredentialsProvider, error) {
	if cfg.Auth.AccessKeyID != "" {
		return credentials.NewStaticCredentialsProvider(
			cfg.Auth.AccessKeyID, cfg.Auth.SecretAccessKey, cfg.Auth.SessionToken,
		), nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Auth.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Auth.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("client: load aws config: %w", err)
	}
	return awsCfg.Credentials, nil
}
