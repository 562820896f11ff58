package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrEmptyResponse is returned when a provider answers 2xx with nothing usable.
	ErrEmptyResponse = errors.New("dispatch: empty response from provider")

	// ErrNoProvider is returned when Invoke is called without a provider.
	ErrNoProvider = errors.New("dispatch: no provider")
)

// Kind classifies a failed upstream call.
type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindAuthentication Kind = "authentication"
	KindProvider       Kind = "provider"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
)

// Error represents a failed call to an upstream provider.
type Error struct {
	Kind     Kind   // Failure class
	Status   int    // HTTP status code, 0 when no response arrived
	Provider string // Provider name
	Message  string // Message reported by the provider or the transport
	Err      error  // Wrapped cause
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider '%s' %s error (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}

	return fmt.Sprintf("provider '%s' %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	case KindProvider:
		return e.Status == 0 || e.Status >= 500 || errors.Is(e.Err, ErrEmptyResponse)
	default:
		return false
	}
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|quota|overloaded`)

// Classify wraps err into an *Error for provider. Errors that already carry a
// classification are returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		return err
	}

	out := &Error{Kind: KindProvider, Provider: provider, Message: err.Error(), Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = KindTimeout
	case errors.As(err, &netErr):
		out.Kind = KindNetwork
	case rateLimitPattern.MatchString(err.Error()):
		out.Kind = KindRateLimit
	}

	return out
}

// statusError builds the error for a non-2xx upstream response.
func statusError(provider string, status int, body []byte) *Error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind := KindProvider
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case rateLimitPattern.MatchString(msg):
		kind = KindRateLimit
	}

	return &Error{Kind: kind, Status: status, Provider: provider, Message: msg}
}

// errorMessage pulls the human readable part out of a provider error body.
func errorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if gjson.Valid(trimmed) {
		for _, path := range []string{"error.message", "message", "error.status", "detail"} {
			if msg := gjson.Get(trimmed, path).String(); msg != "" {
				return msg
			}
		}
		if e := gjson.Get(trimmed, "error"); e.Type == gjson.String {
			return e.String()
		}
		// some providers wrap the error in a one element array
		if msg := gjson.Get(trimmed, "0.error.message").String(); msg != "" {
			return msg
		}
	}

	const maxMessage = 512
	if len(trimmed) > maxMessage {
		trimmed = trimmed[:maxMessage] + "..."
	}

	return trimmed
}

// KindOf returns the classification of err, or "" when err is not a dispatch error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	return ""
}

// IsRetryable checks if an error is potentially retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}

	return false
}

// IsAuthError checks if an error is related to authentication.
func IsAuthError(err error) bool {
	return KindOf(err) == KindAuthentication
}
