// Package lxerr defines the error taxonomy shared by every client layer.
package lxerr

import (
	"errors"
	"fmt"
)

// Kind represents the category of error that occurred
type Kind int

const (
	// KindUnknown indicates an unknown or unexpected error
	KindUnknown Kind = iota
	// KindProtocol indicates an unrecognized frame or header
	KindProtocol
	// KindMalformedTable indicates a truncated or invalid binary record
	KindMalformedTable
	// KindHandshakeFailed indicates a bad or missing public key, or a rejected key exchange
	KindHandshakeFailed
	// KindAuthFailed indicates a rejected token operation or a missing user key
	KindAuthFailed
	// KindCommandTimeout indicates no matching response arrived before the deadline
	KindCommandTimeout
	// KindConnectionClosed indicates the connection was torn down while a command was pending
	KindConnectionClosed
	// KindUnsupportedVersion indicates firmware below the supported minimum
	KindUnsupportedVersion
	// KindInvalidState indicates an operation was called in the wrong client state
	KindInvalidState
	// KindNetwork indicates a transport-level failure (dial, HTTP, DNS)
	KindNetwork
)

// String returns a human-readable name for the error kind
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "Protocol Error"
	case KindMalformedTable:
		return "Malformed Table"
	case KindHandshakeFailed:
		return "Handshake Failed"
	case KindAuthFailed:
		return "Authentication Failed"
	case KindCommandTimeout:
		return "Command Timeout"
	case KindConnectionClosed:
		return "Connection Closed"
	case KindUnsupportedVersion:
		return "Unsupported Version"
	case KindInvalidState:
		return "Invalid State"
	case KindNetwork:
		return "Network Error"
	case KindUnknown:
		return "Unknown Error"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Error is the error type returned by client operations
type Error struct {
	Kind    Kind   // Category of error
	Message string // Human-readable error message
	Code    int    // Miniserver response code or HTTP status (if applicable)
	Err     error  // Underlying error (if any)
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so the sentinel
// values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrMalformedTable     = &Error{Kind: KindMalformedTable}
	ErrHandshakeFailed    = &Error{Kind: KindHandshakeFailed}
	ErrAuthFailed         = &Error{Kind: KindAuthFailed}
	ErrCommandTimeout     = &Error{Kind: KindCommandTimeout}
	ErrConnectionClosed   = &Error{Kind: KindConnectionClosed}
	ErrUnsupportedVersion = &Error{Kind: KindUnsupportedVersion}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrNetwork            = &Error{Kind: KindNetwork}
)

// Protocol creates a protocol error
func Protocol(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// MalformedTable creates a malformed table error
func MalformedTable(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedTable, Message: fmt.Sprintf(format, args...)}
}

// HandshakeFailed creates a handshake error wrapping err (may be nil)
func HandshakeFailed(message string, err error) *Error {
	return &Error{Kind: KindHandshakeFailed, Message: message, Err: err}
}

// NoPublicKey is the handshake error for a certificate bundle without a usable block.
func NoPublicKey() *Error {
	return &Error{Kind: KindHandshakeFailed, Message: "no public key found in certificate response"}
}

// AuthFailed creates an authentication error carrying the response code
func AuthFailed(message string, code int) *Error {
	return &Error{Kind: KindAuthFailed, Message: message, Code: code}
}

// CommandTimeout creates a timeout error for command
func CommandTimeout(command string, after fmt.Stringer) *Error {
	return &Error{Kind: KindCommandTimeout, Message: fmt.Sprintf("no answer for command=%s after %s", command, after)}
}

// ConnectionClosed creates the error used to fail pending requests on teardown
func ConnectionClosed(reason string) *Error {
	return &Error{Kind: KindConnectionClosed, Message: fmt.Sprintf("failing pending request because %s", reason)}
}

// UnsupportedVersion creates a firmware version error
func UnsupportedVersion(version, minimum string) *Error {
	return &Error{Kind: KindUnsupportedVersion, Message: fmt.Sprintf("firmware %s is below the supported minimum %s", version, minimum)}
}

// InvalidState creates an error for an operation attempted in the wrong state
func InvalidState(state string, reason string) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf("client is in state %s: %s", state, reason)}
}

// Network creates a transport error
func Network(message string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
