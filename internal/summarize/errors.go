package summarize

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidResponse indicates the backend answered without usable text.
	ErrInvalidResponse = errors.New("invalid response from summarization backend")

	// ErrModelUnavailable indicates neither the configured nor the fallback
	// model can be used. It is a configuration error.
	ErrModelUnavailable = errors.New("no usable summarization model")
)

// TransientError is a failure worth retrying: network errors, timeouts,
// rate limiting and server errors.
type TransientError struct {
	StatusCode int // 0 for network errors
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvalidRequestError is a request the backend will never accept as sent,
// such as an unknown model id or an oversized payload.
type InvalidRequestError struct {
	StatusCode int
	Model      string
	ExcerptLen int // runes sent, filled in by the driver
	Message    string
}

func (e *InvalidRequestError) Error() string {
	msg := fmt.Sprintf("request rejected (status %d) for model %q", e.StatusCode, e.Model)
	if e.ExcerptLen > 0 {
		msg += fmt.Sprintf(" with %d-char excerpt", e.ExcerptLen)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsInvalidRequest reports whether err is a rejected request.
func IsInvalidRequest(err error) bool {
	var ie *InvalidRequestError
	return errors.As(err, &ie)
}

// classifyStatus turns a non-2xx status into a typed error.
func classifyStatus(status int, model, message string, retryAfter time.Duration) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return &TransientError{StatusCode: status, RetryAfter: retryAfter, Err: errors.New(message)}
	default:
		return &InvalidRequestError{StatusCode: status, Model: model, Message: message}
	}
}
