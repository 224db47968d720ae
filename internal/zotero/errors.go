package zotero

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the Zotero client.
var (
	// ErrNotFound indicates the item or collection does not exist.
	ErrNotFound = errors.New("not found in Zotero library")

	// ErrAuth indicates a missing, invalid, or under-privileged API key.
	ErrAuth = errors.New("Zotero authentication error")

	// ErrRateLimited indicates the server asked us to slow down.
	ErrRateLimited = errors.New("Zotero rate limit exceeded")

	// ErrNetworkError indicates a network connectivity issue.
	ErrNetworkError = errors.New("network error communicating with Zotero")

	// ErrInvalidResponse indicates an unexpected API response.
	ErrInvalidResponse = errors.New("invalid response from Zotero")

	// ErrWriteRejected indicates the server refused to create an object.
	ErrWriteRejected = errors.New("Zotero rejected the write")

	// ErrTooLarge indicates a file exceeded the download ceiling.
	ErrTooLarge = errors.New("file exceeds download limit")
)

// APIError represents an error status from the Zotero Web API.
type APIError struct {
	StatusCode int
	Message    string
	Key        string // Item or collection key, for context
}

func (e *APIError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("Zotero API error (status %d): %s (key: %s)", e.StatusCode, e.Message, e.Key)
	}
	return fmt.Sprintf("Zotero API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAuthError returns true if the error indicates an authentication problem.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
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
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsTransient returns true for errors worth retrying on a later run:
// network failures, rate limiting and server errors.
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

// checkHTTPErrors returns an error if the HTTP response indicates a problem.
func checkHTTPErrors(resp *http.Response, key string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		if key != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400:
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
			Key:        key,
		}
	}
	return nil
}
