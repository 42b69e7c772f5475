package core

import (
	"errors"
	"fmt"
)

// Error is the engine's error type. Every failure crossing a component
// boundary is wrapped in one so callers can branch on Kind without
// inspecting message text.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorKind categorizes errors by the recovery policy they demand.
type ErrorKind string

const (
	// KindConnection is a handshake or transport failure. Recovered by
	// automatic reconnection unless the caller requested the close.
	KindConnection ErrorKind = "connection_error"

	// KindInvocation is a capability endpoint failure. Recovered locally
	// into a protocol-level tool_error frame, never fatal.
	KindInvocation ErrorKind = "invocation_error"

	// KindDecode is a malformed inbound frame or tool argument payload.
	// The offending event is dropped or answered with an error resolution.
	KindDecode ErrorKind = "decode_error"

	// KindDevice is a capture or render device failure. Fatal to starting
	// that activity; never corrupts unrelated session state.
	KindDevice ErrorKind = "device_error"
)

// NewConnectionError creates a connection error wrapping cause.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: message, cause: cause}
}

// NewInvocationError creates an invocation error wrapping cause.
func NewInvocationError(message string, cause error) *Error {
	return &Error{Kind: KindInvocation, Message: message, cause: cause}
}

// NewDecodeError creates a decode error.
func NewDecodeError(message string, cause error) *Error {
	return &Error{Kind: KindDecode, Message: message, cause: cause}
}

// NewDeviceError creates a device error wrapping cause.
func NewDeviceError(message string, cause error) *Error {
	return &Error{Kind: KindDevice, Message: message, cause: cause}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Returns empty string when err carries no *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
