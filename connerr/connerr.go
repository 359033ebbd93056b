// Package connerr defines the error taxonomy of the connection layer and the
// status-code table that decides whether a failed connect may be retried.
//
// Nothing in the connection layer retries on its own. Errors carry enough
// structure (status code, retryable flag, retry-after) for the caller to
// decide; use IsRetryable, StatusCode and NeedsNewCredential to inspect them.
package connerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProtocolViolation marks programming errors: double close, release
	// without a matching acquire, release below zero.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEpochMismatch marks a client epoch that no longer matches the server.
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrTransportTerminated marks a connection torn down by the remote end or
	// by the transport itself.
	ErrTransportTerminated = errors.New("transport terminated")

	// ErrTimeout marks a handshake that exceeded its budget.
	ErrTimeout = errors.New("handshake timeout")
)

// Outcome is the retry decision attached to a handshake status code.
type Outcome int

const (
	Retryable              Outcome = iota // Caller should re-acquire, likely with fresh routing info
	Fatal                                 // Never retry
	RetryWithNewCredential                // Retry at most once with a refreshed token
	Gated                                 // Not fatal to this path; the feature is gated elsewhere
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case Retryable:
		return "Retryable"
	case Fatal:
		return "Fatal"
	case RetryWithNewCredential:
		return "RetryWithNewCredential"
	case Gated:
		return "Gated"
	default:
		return "Unknown"
	}
}

// Classify maps a handshake rejection status code to its outcome.
//
//	400, 404  retryable: wrong server or document, new session info needed
//	406       fatal: unsupported client protocol
//	409       fatal: epoch mismatch, caller state is stale
//	401, 403  retry once with a refreshed credential
//	501       gated elsewhere, not retried on this path
//	429, 5xx  retryable
//	0         no code at all (transport-level failure), retryable
//
// Any other 4xx is fatal.
func Classify(statusCode int) Outcome {
	switch {
	case statusCode == 0:
		return Retryable
	case statusCode == 400, statusCode == 404:
		return Retryable
	case statusCode == 406, statusCode == 409:
		return Fatal
	case statusCode == 401, statusCode == 403:
		return RetryWithNewCredential
	case statusCode == 501:
		return Gated
	case statusCode == 429, statusCode >= 500:
		return Retryable
	default:
		return Fatal
	}
}

// HandshakeRejectedError is returned when the backend answers the handshake
// with an error payload.
type HandshakeRejectedError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Outcome    Outcome
	Retryable  bool
}

// NewHandshakeRejected builds a HandshakeRejectedError classified by Classify.
//
// Parameters:
//   - statusCode: The status code reported by the backend
//   - message: The backend's message
//   - retryAfter: Backend-suggested delay before retrying, zero if none
//
// Returns:
//   - The classified error
func NewHandshakeRejected(statusCode int, message string, retryAfter time.Duration) *HandshakeRejectedError {
	outcome := Classify(statusCode)
	return &HandshakeRejectedError{
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
		Outcome:    outcome,
		Retryable:  outcome == Retryable || outcome == RetryWithNewCredential,
	}
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %s", e.StatusCode, e.Message)
}

// Is reports 409 rejections as ErrEpochMismatch.
func (e *HandshakeRejectedError) Is(target error) bool {
	return target == ErrEpochMismatch && e.StatusCode == 409
}

// IsRetryable implements the retry inspection used by IsRetryable.
func (e *HandshakeRejectedError) IsRetryable() bool { return e.Retryable }

// Code returns the status code.
func (e *HandshakeRejectedError) Code() int { return e.StatusCode }

// TransportError wraps a transport-level failure that carries no status code,
// such as a dial error or a connect timeout reported by the socket.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError wraps err as a retryable transport failure.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable always reports true: codeless transport failures are retryable.
func (e *TransportError) IsRetryable() bool { return true }

// TerminatedError reports that the shared connection was torn down by the
// remote end (server_disconnect) or dropped by the transport. It is always
// fatal to the connection, yet the caller may still reconnect.
type TerminatedError struct {
	StatusCode int
	Reason     error
}

// NewTerminated wraps reason (may be nil) as a termination.
func NewTerminated(statusCode int, reason error) *TerminatedError {
	return &TerminatedError{StatusCode: statusCode, Reason: reason}
}

func (e *TerminatedError) Error() string {
	if e.Reason == nil {
		return ErrTransportTerminated.Error()
	}

	return fmt.Sprintf("%s: %v", ErrTransportTerminated.Error(), e.Reason)
}

func (e *TerminatedError) Unwrap() error { return e.Reason }

// Is reports the error as ErrTransportTerminated.
func (e *TerminatedError) Is(target error) bool { return target == ErrTransportTerminated }

// IsRetryable reports true unless the termination carries a fatal code.
func (e *TerminatedError) IsRetryable() bool {
	return e.StatusCode == 0 || Classify(e.StatusCode) != Fatal
}

// Code returns the status code attached to the termination, if any.
func (e *TerminatedError) Code() int { return e.StatusCode }

// TimeoutError reports a handshake that did not complete within After.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %s", ErrTimeout.Error(), e.After)
}

// Is reports the error as ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsRetryable always reports true.
func (e *TimeoutError) IsRetryable() bool { return true }

// Violation returns an error wrapping ErrProtocolViolation.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

type retryable interface{ IsRetryable() bool }

type coded interface{ Code() int }

// IsRetryable reports whether the caller may retry after err. Errors outside
// the taxonomy, protocol violations and epoch mismatches are not retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrProtocolViolation) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return false
}

// StatusCode returns the status code carried by err, or 0.
func StatusCode(err error) int {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}

	return 0
}

// NeedsNewCredential reports whether err asks for a token refresh before
// the single permitted retry.
func NeedsNewCredential(err error) bool {
	var h *HandshakeRejectedError
	return errors.As(err, &h) && h.Outcome == RetryWithNewCredential
}
