package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const signingService = "appsync"

// IAM signs the handshake and start messages with SigV4 using creds.
func IAM(creds aws.CredentialsProvider, region string) Interceptor {
	return IAMWithClock(creds, region, time.Now)
}

func IAMWithClock(creds aws.CredentialsProvider, region string, now Clock) Interceptor {
	signer := v4.NewSigner()
	return New(func(ctx context.Context, endpoint *url.URL, body string, connect bool) (map[string]string, error) {
		target := signingURL(endpoint, connect)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("auth: build signing request: %w", err)
		}
		req.Header.Set("accept", "application/json, text/javascript")
		req.Header.Set("content-encoding", "amz-1.0")
		req.Header.Set("content-type", "application/json; charset=UTF-8")

		c, err := creds.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth: retrieve credentials: %w", err)
		}
		sum := sha256.Sum256([]byte(body))
		if err := signer.SignHTTP(ctx, c, req, hex.EncodeToString(sum[:]), signingService, region, now()); err != nil {
			return nil, fmt.Errorf("auth: sign request: %w", err)
		}

		headers := map[string]string{
			"accept":           req.Header.Get("accept"),
			"content-encoding": req.Header.Get("content-encoding"),
			"content-type":     req.Header.Get("content-type"),
			"host":             target.Host,
			"x-amz-date":       req.Header.Get("X-Amz-Date"),
			"Authorization":    req.Header.Get("Authorization"),
		}
		if token := req.Header.Get("X-Amz-Security-Token"); token != "" {
			headers["X-Amz-Security-Token"] = token
		}
		return headers, nil
	})
}

// signingURL is the https GraphQL endpoint, with /connect appended for the
// handshake.
func signingURL(endpoint *url.URL, connect bool) *url.URL {
	u := *endpoint
	u.Scheme = "https"
	u.RawQuery = ""
	if connect {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/connect"
	}
	return &u
}
