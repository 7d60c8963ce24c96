package collector

import (
	"errors"
	"fmt"
)

// Common errors returned by collection sources.
var (
	// ErrUnavailable indicates no endpoint produced a result.
	ErrUnavailable = errors.New("collection endpoint unavailable")

	// ErrAuthError indicates the endpoint rejected the token.
	ErrAuthError = errors.New("collection endpoint authentication error")

	// ErrRateLimited indicates the endpoint is throttling requests.
	ErrRateLimited = errors.New("collection endpoint rate limit exceeded")

	// ErrNetworkError indicates a network connectivity issue.
	ErrNetworkError = errors.New("network error communicating with collection endpoint")

	// ErrInvalidResponse indicates an unexpected response body.
	ErrInvalidResponse = errors.New("invalid response from collection endpoint")

	// ErrNoInput indicates a file source has no input for a kind.
	ErrNoInput = errors.New("no input configured")
)

// APIError represents an error reported by a tool endpoint.
type APIError struct {
	StatusCode int
	Code       string // "api_error", "tool_error", ...
	Message    string
	Base       string // endpoint base URL, for context
}

func (e *APIError) Error() string {
	if e.Base != "" {
		return fmt.Sprintf("tool API error (status %d, code %s): %s (base: %s)", e.StatusCode, e.Code, e.Message, e.Base)
	}
	return fmt.Sprintf("tool API error (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsAuthError returns true if the error indicates an authentication problem.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuthError) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 401 || apiErr.StatusCode == 403
	}
	return false
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// IsTransient returns true for failures worth retrying against the same
// endpoint: network errors, throttling and server errors.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNetworkError) || IsRateLimited(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// IsUnavailable returns true if no endpoint could serve the request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
