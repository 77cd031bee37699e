package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"

	"github.com/muurk/loxclient/internal/lxerr"
)

// RequestError is a classified HTTP failure. It unwraps to an lxerr
// network error, so errors.Is(err, lxerr.ErrNetwork) holds.
type RequestError struct {
	Err       *lxerr.Error
	Retryable bool
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status, 0 for transport errors
func (e *RequestError) StatusCode() int {
	return e.Err.Code
}

// IsRetryable reports whether err was classified as retryable
func IsRetryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsRebooting reports whether the Miniserver answered 503
func IsRebooting(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.StatusCode() == 503
}

// ClassifyNetworkError analyzes a transport error and returns a more
// specific error
func ClassifyNetworkError(err error) *RequestError {
	if err == nil {
		return nil
	}

	if os.IsTimeout(err) {
		return &RequestError{Err: lxerr.Network("request timed out", err), Retryable: true}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &RequestError{Err: lxerr.Network(fmt.Sprintf("DNS resolution failed for %s", dnsErr.Name), err)}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return &RequestError{Err: lxerr.Network("miniserver refused connection", err), Retryable: true}
		}
		if errors.Is(opErr.Err, syscall.EHOSTUNREACH) {
			return &RequestError{Err: lxerr.Network("host unreachable", err), Retryable: true}
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && urlErr.Err != err {
		return ClassifyNetworkError(urlErr.Err)
	}

	return &RequestError{Err: lxerr.Network("network error occurred", err), Retryable: true}
}

// NewNetworkError classifies err and prefixes message
func NewNetworkError(message string, err error) *RequestError {
	classified := ClassifyNetworkError(err)
	if classified == nil {
		return &RequestError{Err: lxerr.Network(message, nil)}
	}
	classified.Err.Message = message + ": " + classified.Err.Message
	return classified
}

// NewHTTPError wraps a non-200 status. Status errors are not retried.
func NewHTTPError(status int, message string) *RequestError {
	e := lxerr.Network(message, nil)
	e.Code = status
	return &RequestError{Err: e}
}
