// Package auth provides realtime interceptors that authorize the connection
// URL and start messages for each AppSync auth mode.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bronystylecrazy/ultrasync/realtime"
)

const (
	headerQuery  = "header"
	payloadQuery = "payload"
	emptyPayload = "{}"

	amzDateFormat = "20060102T150405Z"
)

// HeaderSigner produces the authorization header map for a request body.
// connect is true for the connection handshake, whose body is always "{}".
type HeaderSigner func(ctx context.Context, endpoint *url.URL, body string, connect bool) (map[string]string, error)

// Interceptor pairs the connection and message interceptors of one auth mode.
type Interceptor struct {
	Connection realtime.ConnectionInterceptor
	Message    realtime.MessageInterceptor
	// Sign is the underlying signer, reused for plain HTTP queries.
	Sign HeaderSigner
}

// Options returns provider options that register both interceptors.
func (i Interceptor) Options() []realtime.ProviderOption {
	return []realtime.ProviderOption{
		realtime.WithConnectionInterceptors(i.Connection),
		realtime.WithMessageInterceptors(i.Message),
	}
}

// New builds an Interceptor from a signer.
func New(sign HeaderSigner) Interceptor {
	return Interceptor{
		Connection: connectionInterceptor(sign),
		Message:    messageInterceptor(sign),
		Sign:       sign,
	}
}

// RequestHeaders signs a GraphQL HTTP request body. A token mode that could
// not fetch its token yields no headers and no error.
func (i Interceptor) RequestHeaders(ctx context.Context, endpoint *url.URL, body string) (map[string]string, error) {
	if i.Sign == nil {
		return nil, nil
	}
	headers, err := i.Sign(ctx, endpoint, body, false)
	if errors.Is(err, errUnsigned) {
		return nil, nil
	}
	return headers, err
}

func connectionInterceptor(sign HeaderSigner) realtime.ConnectionInterceptor {
	return func(next realtime.ConnectionHandler) realtime.ConnectionHandler {
		return func(ctx context.Context, endpoint *url.URL, req realtime.ConnectionRequest) (realtime.ConnectionRequest, error) {
			headers, err := sign(ctx, endpoint, emptyPayload, true)
			if err != nil {
				return req, err
			}
			blob, err := encodeHeaders(headers)
			if err != nil {
				return req, err
			}
			out := req.Clone()
			q := out.URL.Query()
			q.Set(headerQuery, blob)
			q.Set(payloadQuery, base64.StdEncoding.EncodeToString([]byte(emptyPayload)))
			out.URL.RawQuery = q.Encode()
			return next(ctx, endpoint, out)
		}
	}
}

func messageInterceptor(sign HeaderSigner) realtime.MessageInterceptor {
	return func(next realtime.MessageHandler) realtime.MessageHandler {
		return func(ctx context.Context, endpoint *url.URL, msg realtime.Message) (realtime.Message, error) {
			if msg.Type != realtime.MessageStart {
				return next(ctx, endpoint, msg)
			}
			body := ""
			if msg.Payload != nil {
				body = msg.Payload.Data
			}
			headers, err := sign(ctx, endpoint, body, false)
			if err != nil {
				return msg, err
			}
			return next(ctx, endpoint, msg.WithAuthorization(headers))
		}
	}
}

func encodeHeaders(headers map[string]string) (string, error) {
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("auth: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeaderQuery reverses the header query item, mostly for tests and
// debugging.
func DecodeHeaderQuery(u *url.URL) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(u.Query().Get(headerQuery))
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clock returns the current time; replaced in tests.
type Clock func() time.Time

func amzDate(now time.Time) string {
	return now.UTC().Format(amzDateFormat)
}
