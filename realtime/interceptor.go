package realtime

import (
	"context"
	"net/url"
)

// ConnectionRequest is the URL the provider is about to dial.
type ConnectionRequest struct {
	URL *url.URL
}

func (r ConnectionRequest) Clone() ConnectionRequest {
	if r.URL == nil {
		return r
	}
	u := *r.URL
	if r.URL.User != nil {
		user := *r.URL.User
		u.User = &user
	}
	return ConnectionRequest{URL: &u}
}

// ConnectionHandler produces the request that will be dialed. endpoint is the
// GraphQL endpoint the provider was built for and never changes.
type ConnectionHandler func(ctx context.Context, endpoint *url.URL, req ConnectionRequest) (ConnectionRequest, error)

// ConnectionInterceptor wraps the next handler in the chain.
type ConnectionInterceptor func(next ConnectionHandler) ConnectionHandler

type MessageHandler func(ctx context.Context, endpoint *url.URL, msg Message) (Message, error)

type MessageInterceptor func(next MessageHandler) MessageHandler

func terminalConnection(_ context.Context, _ *url.URL, req ConnectionRequest) (ConnectionRequest, error) {
	return req, nil
}

func terminalMessage(_ context.Context, _ *url.URL, msg Message) (Message, error) {
	return msg, nil
}

// ChainConnection composes interceptors so the first one registered runs first.
func ChainConnection(interceptors ...ConnectionInterceptor) ConnectionHandler {
	h := ConnectionHandler(terminalConnection)
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] == nil {
			continue
		}
		h = interceptors[i](h)
	}
	return h
}

func ChainMessage(interceptors ...MessageInterceptor) MessageHandler {
	h := MessageHandler(terminalMessage)
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] == nil {
			continue
		}
		h = interceptors[i](h)
	}
	return h
}

// RewriteURL is a connection interceptor that replaces the dialed URL with
// the result of fn.
func RewriteURL(fn func(endpoint, current *url.URL) (*url.URL, error)) ConnectionInterceptor {
	return func(next ConnectionHandler) ConnectionHandler {
		return func(ctx context.Context, endpoint *url.URL, req ConnectionRequest) (ConnectionRequest, error) {
			out := req.Clone()
			u, err := fn(endpoint, out.URL)
			if err != nil {
				return req, err
			}
			out.URL = u
			return next(ctx, endpoint, out)
		}
	}
}
