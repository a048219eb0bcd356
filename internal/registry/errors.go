package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorType classifies registry errors for better handling.
type ErrorType int

const (
	// ErrTypeUnavailable indicates the registry could not be reached.
	ErrTypeUnavailable ErrorType = iota
	// ErrTypeNotFound indicates the tool or version was not found.
	ErrTypeNotFound
	// ErrTypeDecode indicates the response could not be decoded.
	ErrTypeDecode
	// ErrTypeRateLimit indicates the registry rate limit was exceeded.
	ErrTypeRateLimit
	// ErrTypeTimeout indicates a request timeout.
	ErrTypeTimeout
	// ErrTypeDNS indicates DNS resolution failure.
	ErrTypeDNS
	// ErrTypeConnection indicates connection refused or reset.
	ErrTypeConnection
	// ErrTypeTLS indicates TLS certificate errors.
	ErrTypeTLS
)

// Error provides structured error information for registry operations.
type Error struct {
	Type    ErrorType
	Tool    string // Tool id that caused the error
	Version string // Requested version, if any
	Message string // Human-readable error message
	Err     error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("registry: %s", e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports whether err is a registry not-found error.
func NotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Type == ErrTypeNotFound
}

// classifyError examines an error and returns the most specific ErrorType.
// Uses Go's error unwrapping to detect specific network error types.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrTypeUnavailable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrTypeUnavailable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrTypeTimeout
		}
		return ErrTypeDNS
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrTypeTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ErrTypeTimeout
		}
		var innerDNS *net.DNSError
		if errors.As(opErr.Err, &innerDNS) {
			return ErrTypeDNS
		}
		return ErrTypeConnection
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ErrTypeTimeout
		}
		msg := urlErr.Err.Error()
		if strings.Contains(msg, "certificate") || strings.Contains(msg, "tls") ||
			strings.Contains(msg, "x509") {
			return ErrTypeTLS
		}
		return classifyError(urlErr.Err)
	}

	return ErrTypeUnavailable
}

// wrapNetworkError wraps a network error with the classified error type.
func wrapNetworkError(err error, tool, message string) *Error {
	return &Error{
		Type:    classifyError(err),
		Tool:    tool,
		Message: message,
		Err:     err,
	}
}
