package auth

import (
	"context"
	"net/url"
	"time"
)

// APIKey authorizes with an AppSync API key.
func APIKey(apiKey string) Interceptor {
	return APIKeyWithClock(apiKey, time.Now)
}

func APIKeyWithClock(apiKey string, now Clock) Interceptor {
	return New(func(_ context.Context, endpoint *url.URL, _ string, _ bool) (map[string]string, error) {
		return map[string]string{
			"host":       endpoint.Host,
			"x-amz-date": amzDate(now()),
			"x-api-key":  apiKey,
		}, nil
	})
}
