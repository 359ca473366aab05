package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrConnection = errors.New("realtime: connection error")
var ErrUnauthorized = errors.New("realtime: unauthorized")
var ErrOther = errors.New("realtime: unclassified service error")
var ErrLimitExceeded = errors.New("realtime: limit exceeded")
var ErrProviderClosed = errors.New("realtime: provider is closed")

// JSONParseError reports a frame that could not be encoded or decoded. ID is
// the subscription the frame belonged to, empty for connection frames.
type JSONParseError struct {
	ID  string
	Err error
}

func (e *JSONParseError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("realtime: json parse: %v", e.Err)
	}
	return fmt.Sprintf("realtime: json parse (id=%s): %v", e.ID, e.Err)
}

func (e *JSONParseError) Unwrap() error { return e.Err }

// LimitExceededError is reported for LimitExceededError and
// MaxSubscriptionsReached service errors. ID is empty when the service
// rejected the connection as a whole.
type LimitExceededError struct {
	ID string
}

func (e *LimitExceededError) Error() string {
	if e.ID == "" {
		return ErrLimitExceeded.Error()
	}
	return fmt.Sprintf("%s (id=%s)", ErrLimitExceeded, e.ID)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// SubscriptionError carries the service payload of an error frame addressed
// to a single subscription.
type SubscriptionError struct {
	ID      string
	Payload map[string]any
}

func (e *SubscriptionError) Error() string {
	if msg := firstErrorMessage(e.Payload); msg != "" {
		return fmt.Sprintf("realtime: subscription %s: %s", e.ID, msg)
	}
	return fmt.Sprintf("realtime: subscription %s failed", e.ID)
}

// UnknownError is an error frame with no subscription id that matches no
// known shape.
type UnknownError struct {
	Payload map[string]any
}

func (e *UnknownError) Error() string {
	if msg := firstErrorMessage(e.Payload); msg != "" {
		return fmt.Sprintf("%s: %s", ErrOther, msg)
	}
	return ErrOther.Error()
}

func (e *UnknownError) Unwrap() error { return ErrOther }

// IsConnectionScoped reports whether err concerns the whole connection and is
// therefore broadcast to every listener.
func IsConnectionScoped(err error) bool {
	var (
		limit *LimitExceededError
		parse *JSONParseError
		sub   *SubscriptionError
	)
	switch {
	case errors.As(err, &sub):
		return false
	case errors.As(err, &limit):
		return limit.ID == ""
	case errors.As(err, &parse):
		return parse.ID == ""
	default:
		return true
	}
}

// classifyError maps an error frame to the error taxonomy.
func classifyError(resp Response, state ConnectionState) error {
	payload := resp.PayloadMap()
	switch {
	case isUnauthorized(payload):
		return ErrUnauthorized
	case state == InProgress:
		return ErrConnection
	case isLimitExceeded(payload) || isMaxSubscriptionsReached(payload):
		return &LimitExceededError{ID: resp.ID}
	case resp.ID == "":
		return &UnknownError{Payload: payload}
	default:
		return &SubscriptionError{ID: resp.ID, Payload: payload}
	}
}

func isMaxSubscriptionsReached(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if t, _ := payload["errorType"].(string); t == "MaxSubscriptionsReachedException" {
		return true
	}
	return errorTypeOf(payload["errors"]) == "MaxSubscriptionsReachedError"
}

func isLimitExceeded(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	return errorTypeOf(payload["errors"]) == "LimitExceededError"
}

func isUnauthorized(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	list, ok := payload["errors"].([]any)
	if !ok || len(list) == 0 {
		return false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return false
	}
	t, _ := first["errorType"].(string)
	return strings.Contains(t, "UnauthorizedException")
}

// errorTypeOf reads errorType from an "errors" value that is either an object
// or the first element of an array.
func errorTypeOf(v any) string {
	switch e := v.(type) {
	case map[string]any:
		t, _ := e["errorType"].(string)
		return t
	case []any:
		if len(e) == 0 {
			return ""
		}
		return errorTypeOf(e[0])
	default:
		return ""
	}
}

func firstErrorMessage(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	switch e := payload["errors"].(type) {
	case map[string]any:
		m, _ := e["message"].(string)
		return m
	case []any:
		if len(e) > 0 {
			if first, ok := e[0].(map[string]any); ok {
				m, _ := first["message"].(string)
				return m
			}
		}
	}
	if m, ok := payload["message"].(string); ok {
		return m
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}
