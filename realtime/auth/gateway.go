package auth

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bronystylecrazy/ultrasync/realtime"
)

var standardEndpoint = regexp.MustCompile(`(?i)^https://\w{26}\.appsync-api\.\w{2}(?:(?:-\w{2,})+)-\d\.amazonaws\.com/graphql$`)

// IsStandardEndpoint reports whether u is a generated AppSync GraphQL
// endpoint, as opposed to a custom domain.
func IsStandardEndpoint(u *url.URL) bool {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	return standardEndpoint.MatchString(c.String())
}

// RealtimeURL maps a GraphQL endpoint to its realtime gateway. Standard
// endpoints swap appsync-api for appsync-realtime-api, custom domains get
// /realtime appended. The query of current is kept.
func RealtimeURL(endpoint, current *url.URL) *url.URL {
	out := *current
	out.Scheme = "wss"
	if IsStandardEndpoint(endpoint) {
		out.Host = strings.Replace(endpoint.Host, "appsync-api", "appsync-realtime-api", 1)
		out.Path = endpoint.Path
	} else {
		out.Host = endpoint.Host
		out.Path = strings.TrimSuffix(endpoint.Path, "/") + "/realtime"
	}
	return &out
}

// RealtimeGatewayURL rewrites the dialed URL to the realtime gateway.
func RealtimeGatewayURL() realtime.ConnectionInterceptor {
	return realtime.RewriteURL(func(endpoint, current *url.URL) (*url.URL, error) {
		return RealtimeURL(endpoint, current), nil
	})
}
