package stt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stream or provider failure. The kind decides whether
// the reconnection policy may retry the operation or the failure is terminal.
type ErrorKind string

const (
	// KindAuth marks an invalid API key or a policy-violation close from the
	// backend. Terminal; never retried.
	KindAuth ErrorKind = "auth"

	// KindNetwork marks a transport failure (DNS, TCP, TLS, socket reset).
	// Retried under the reconnection policy.
	KindNetwork ErrorKind = "network"

	// KindService marks a 5xx from the token exchange or an internal-error
	// close from the backend. Retried with backoff.
	KindService ErrorKind = "service"

	// KindProtocol marks a malformed server frame or an unexpected handshake.
	// Terminal for the affected connection; counts as a reconnect attempt.
	KindProtocol ErrorKind = "protocol"

	// KindAudioFormat marks an invalid pushed frame. Reported on the
	// originating Push call; the stream continues.
	KindAudioFormat ErrorKind = "audio_format"

	// KindConfig marks invalid user configuration, raised synchronously at
	// construction.
	KindConfig ErrorKind = "config"
)

// Retryable reports whether the reconnection policy may retry after an error
// of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindService, KindProtocol:
		return true
	default:
		return false
	}
}

// Error is the classified error type shared by all components. It wraps the
// underlying cause, if any, and is matched with errors.As.
type Error struct {
	// Kind is the failure class.
	Kind ErrorKind

	// Op names the failing operation, e.g. "token exchange" or "handshake".
	Op string

	// Msg is a human-readable description. May be empty when Err says enough.
	Msg string

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *Error) Error() string {
	s := "stt: " + e.Op
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s + " (" + string(e.Kind) + ")"
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Errorf constructs an *Error with a formatted message and no cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError constructs an *Error around cause. If cause is already an *Error
// it is returned unchanged so classification survives re-wrapping.
func WrapError(kind ErrorKind, op string, cause error) *Error {
	var se *Error
	if errors.As(cause, &se) {
		return se
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the ErrorKind from err, or "" when err carries no *Error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
