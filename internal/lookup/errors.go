package lookup

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by lookup providers.
var (
	// ErrNotFound indicates the service has no record for the identifier.
	ErrNotFound = errors.New("not found")

	// ErrNotApplicable indicates the provider cannot use the identifiers at hand.
	ErrNotApplicable = errors.New("provider not applicable")

	// ErrRateLimited indicates the service answered 429.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrDisabled indicates the provider was switched off earlier in the run.
	ErrDisabled = errors.New("provider disabled for this run")

	// ErrNetworkError indicates a network connectivity issue.
	ErrNetworkError = errors.New("network error")

	// ErrInvalidResponse indicates an unexpected response body.
	ErrInvalidResponse = errors.New("invalid response")
)

// APIError represents a non-success HTTP status from a lookup service.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// ProviderError records a failed lookup in an enrichment report.
type ProviderError struct {
	Provider string
	Err      error
}

func (e ProviderError) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing record.
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

// checkHTTPErrors returns an error if the HTTP response indicates a problem.
func checkHTTPErrors(provider string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", provider, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: status %d", provider, ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400:
		return &APIError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}
	return nil
}
