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
	"testing"
	"time"

	"pipecore/internal/retry"
)

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		category  ErrorCategory
		retryable bool
	}{
		{http.StatusTooManyRequests, ErrorCategoryTransient, true},
		{http.StatusRequestTimeout, ErrorCategoryTransient, true},
		{http.StatusBadGateway, ErrorCategoryTransient, true},
		{http.StatusBadRequest, ErrorCategoryPermanent, false},
		{http.StatusUnauthorized, ErrorCategoryPermanent, false},
		{http.StatusFound, ErrorCategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := ClassifyHTTPError(tt.status, "body")
			if err.Category != tt.category || err.Retryable != tt.retryable {
				t.Errorf("got %s retryable=%v", err.Category, err.Retryable)
			}
			if (retry.PolicyOf(err) != nil) != tt.retryable {
				t.Errorf("retry policy presence does not match retryable=%v", tt.retryable)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  ErrorCategory
		retryable bool
	}{
		{"cancelled", context.Canceled, ErrorCategoryPermanent, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorCategoryTransient, true},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, ErrorCategoryTransient, true},
		{"dns", fmt.Errorf("lookup: %w", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}), ErrorCategoryTransient, true},
		{"truncated body", fmt.Errorf("failed to read response: %w", io.ErrUnexpectedEOF), ErrorCategoryTransient, true},
		{"tls", &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}, ErrorCategoryPermanent, false},
		{"other", errors.New("something odd"), ErrorCategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got.Category != tt.category || got.Retryable != tt.retryable {
				t.Errorf("got %s retryable=%v", got.Category, got.Retryable)
			}
			if !errors.Is(got, tt.err) {
				t.Error("expected the cause to be preserved")
			}
		})
	}
}

func TestExecutionError_RetryAfterStretchesSleep(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "3")
	err := withRetryAfter(ClassifyHTTPError(http.StatusTooManyRequests, ""), header)

	policy := err.RetryPolicy()
	if policy == nil || policy.Sleep != 3*time.Second || policy.Retries != transientPolicy.Retries {
		t.Errorf("unexpected policy %+v", policy)
	}
}
