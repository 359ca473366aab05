package auth

import (
	"context"
	"net/url"

	"go.uber.org/zap"
)

// TokenProvider returns the latest bearer token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return TokenProviderFunc(func(context.Context) (string, error) { return token, nil })
}

// UserPools authorizes with a Cognito user pool or OIDC token. When the token
// cannot be fetched the handshake still goes out with an empty token so the
// service answers with an unauthorized error, start messages go out unsigned.
func UserPools(tokens TokenProvider, logger *zap.Logger) Interceptor {
	return bearer("user_pools", tokens, logger)
}

func OIDC(tokens TokenProvider, logger *zap.Logger) Interceptor {
	return bearer("oidc", tokens, logger)
}

// Lambda authorizes with a token validated by an AppSync Lambda authorizer.
func Lambda(tokens TokenProvider, logger *zap.Logger) Interceptor {
	return bearer("lambda", tokens, logger)
}

func bearer(mode string, tokens TokenProvider, logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("auth").With(zap.String("mode", mode))
	sign := func(ctx context.Context, endpoint *url.URL, _ string, connect bool) (map[string]string, error) {
		token, err := tokens.Token(ctx)
		if err != nil {
			log.Warn("token unavailable", zap.Bool("connect", connect), zap.Error(err))
			if !connect {
				return nil, errUnsigned
			}
			token = ""
		}
		return map[string]string{
			"host":          endpoint.Host,
			"Authorization": token,
		}, nil
	}
	i := New(sign)
	i.Message = passUnsigned(i.Message)
	return i
}
