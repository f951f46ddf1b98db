package acquire

import (
	"errors"
	"fmt"
	"net/http"
)

// FetchErrorKind classifies an acquisition failure. The kind decides
// retry behavior: rate limits cool the endpoint down, auth failures
// retire it for the run, unavailability rotates to the next endpoint,
// malformed responses are never retried.
type FetchErrorKind string

const (
	FetchRateLimited  FetchErrorKind = "rate_limited"
	FetchUnauthorized FetchErrorKind = "unauthorized"
	FetchUnavailable  FetchErrorKind = "unavailable"
	FetchMalformed    FetchErrorKind = "malformed"
)

// FetchError wraps an upstream failure with its classification and the
// endpoint that produced it.
type FetchError struct {
	Kind     FetchErrorKind
	Endpoint string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("acquire: %s from %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status to a fetch error kind
func classifyStatus(status int) FetchErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return FetchRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FetchUnauthorized
	case status >= 500:
		return FetchUnavailable
	default:
		return FetchMalformed
	}
}

// IsRetryable reports whether rotating or retrying can help
func IsRetryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == FetchRateLimited || fe.Kind == FetchUnavailable
}
