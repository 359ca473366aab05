package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bronystylecrazy/ultrasync/deltasync"
	"github.com/bronystylecrazy/ultrasync/realtime/auth"
	"go.uber.org/zap"
)

const maxResponseSize = 8 << 20

// Operation is a GraphQL document with its variables.
type Operation = deltasync.Request

// GraphQLError is one entry of a response's errors array.
type GraphQLError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType,omitempty"`
	Path      []any  `json:"path,omitempty"`
}

// GraphQLErrors is returned when the service answered with errors.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		if err.ErrorType != "" {
			msgs = append(msgs, err.ErrorType+": "+err.Message)
			continue
		}
		msgs = append(msgs, err.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors GraphQLErrors   `json:"errors"`
}

// decodeResponse splits a {"data", "errors"} body. Data is returned even
// when errors are present.
func decodeResponse(raw []byte) (json.RawMessage, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return resp.Data, resp.Errors
	}
	return resp.Data, nil
}

// StatusError is a non-2xx answer without a GraphQL body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: http %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts queries and mutations to the GraphQL endpoint, signed
// with the same auth mode as the realtime connection.
type HTTPTransport struct {
	endpoint *url.URL
	client   *http.Client
	auth     auth.Interceptor
	log      *zap.Logger
}

func NewHTTPTransport(endpoint *url.URL, signer auth.Interceptor, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		auth:     signer,
		log:      logger.Named("http"),
	}
}

// Do runs op and returns the data member of the response.
func (t *HTTPTransport) Do(ctx context.Context, op Operation) (json.RawMessage, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/javascript")

	headers, err := t.auth.RequestHeaders(ctx, t.endpoint, string(body))
	if err != nil {
		return nil, fmt.Errorf("client: sign request: %w", err)
	}
	for k, v := range headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: post: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	t.log.Debug("graphql request",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	data, err := decodeResponse(raw)
	var gqlErrs GraphQLErrors
	if errors.As(err, &gqlErrs) {
		return data, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return data, err
}
