package auth

import (
	"context"
	"errors"
	"net/url"

	"github.com/bronystylecrazy/ultrasync/realtime"
)

var errUnsigned = errors.New("auth: message left unsigned")

// passUnsigned lets a message through unchanged when signing was skipped.
func passUnsigned(inner realtime.MessageInterceptor) realtime.MessageInterceptor {
	return func(next realtime.MessageHandler) realtime.MessageHandler {
		signed := inner(next)
		return func(ctx context.Context, endpoint *url.URL, msg realtime.Message) (realtime.Message, error) {
			out, err := signed(ctx, endpoint, msg)
			if errors.Is(err, errUnsigned) {
				return next(ctx, endpoint, msg)
			}
			return out, err
		}
	}
}
