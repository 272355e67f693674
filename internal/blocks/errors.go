package blocks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"pipecore/internal/retry"
)

// ErrorCategory classifies errors for retry decisions
type ErrorCategory int

const (
	// ErrorCategoryUnknown - unclassified error, default to not retryable
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryTransient - temporary failures that may succeed on retry
	// Examples: timeout, rate limit (429), server error (5xx), network error
	ErrorCategoryTransient

	// ErrorCategoryPermanent - errors that will not succeed on retry
	// Examples: auth error (401/403), bad request (400), forbidden target
	ErrorCategoryPermanent
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// transientPolicy is the backoff applied to retryable block errors.
var transientPolicy = retry.Policy{Sleep: 500 * time.Millisecond, Factor: 2, Retries: 3}

// ExecutionError wraps block failures with classification for retry logic
type ExecutionError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int   // HTTP status code if applicable
	Retryable  bool  // Explicit retryable flag
	RetryAfter int   // Seconds to wait before retry (from Retry-After header)
	Cause      error // Original error
}

func (e *ExecutionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// RetryPolicy implements retry.RetryableError.
func (e *ExecutionError) RetryPolicy() *retry.Policy {
	if !e.Retryable {
		return nil
	}
	policy := transientPolicy
	if after := time.Duration(e.RetryAfter) * time.Second; after > policy.Sleep {
		policy.Sleep = after
	}
	return &policy
}

// ClassifyHTTPError classifies an HTTP response error
func ClassifyHTTPError(statusCode int, body string) *ExecutionError {
	err := &ExecutionError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}

	switch {
	// Rate limiting, request timeout and server errors - retryable
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500 && statusCode < 600:
		err.Category = ErrorCategoryTransient
		err.Retryable = true

	// Other client errors - NOT retryable
	case statusCode >= 400 && statusCode < 500:
		err.Category = ErrorCategoryPermanent

	default:
		err.Category = ErrorCategoryUnknown
	}

	return err
}

// withRetryAfter reads a numeric Retry-After header into err.
func withRetryAfter(err *ExecutionError, header http.Header) *ExecutionError {
	if v := header.Get("Retry-After"); v != "" {
		var seconds int
		if _, scanErr := fmt.Sscanf(v, "%d", &seconds); scanErr == nil && seconds > 0 {
			err.RetryAfter = seconds
		}
	}
	return err
}

// ClassifyError classifies a general error
func ClassifyError(err error) *ExecutionError {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	// Cancellation of the whole run is not retried.
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Category: ErrorCategoryPermanent, Message: "request cancelled", Cause: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ExecutionError{Category: ErrorCategoryTransient, Message: "request timed out", Retryable: true, Cause: err}
	}

	var (
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownCA) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return &ExecutionError{Category: ErrorCategoryPermanent, Message: "TLS certificate error: " + truncateString(err.Error(), 100), Cause: err}
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &ExecutionError{
			Category:  ErrorCategoryTransient,
			Message:   "network error: " + truncateString(err.Error(), 100),
			Retryable: true,
			Cause:     err,
		}
	}

	return &ExecutionError{
		Category: ErrorCategoryUnknown,
		Message:  truncateString(err.Error(), 200),
		Cause:    err,
	}
}

// truncateString truncates a string to maxLen bytes
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
