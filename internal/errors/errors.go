package errors

import (
	"errors"
	"fmt"
)

// BridgeError is the base interface for all errors produced by this module.
type BridgeError interface {
	error
	IsBridgeError() bool
}

// Compile-time verification that all error types implement BridgeError.
var (
	_ BridgeError = (*AbortError)(nil)
	_ BridgeError = (*DuplicateMessageIDError)(nil)
	_ BridgeError = (*ProcessError)(nil)
	_ BridgeError = (*ConnectionError)(nil)
	_ BridgeError = (*MessageDecodeError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrSessionClosed indicates a pending session wait resolved to nothing
	// because the session tore down while waiting. This is distinct from an
	// abort: the ceremony was not cancelled, the session simply went away.
	ErrSessionClosed = errors.New("session closed")

	// ErrClientNotConnected indicates the native client is not connected.
	ErrClientNotConnected = errors.New("native client not connected")

	// ErrClientClosed indicates the native client has been closed and cannot
	// be reused.
	ErrClientClosed = errors.New("native client closed")

	// ErrRequestTimeout indicates no correlated response arrived within the
	// configured window.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrMissingMessageID indicates an outbound native message carries no
	// messageId field to correlate a response against.
	ErrMissingMessageID = errors.New("message has no messageId")

	// ErrNoWorker indicates the native client was constructed without a
	// worker path or runner.
	ErrNoWorker = errors.New("no worker process configured")

	// ErrConversationInFlight indicates a second request was issued on a
	// session whose previous request has not settled. The protocol allows
	// exactly one conversation per session at a time.
	ErrConversationInFlight = errors.New("conversation already in flight for session")

	// ErrUnknownMessageType indicates a wire message carries a type tag
	// this module does not recognize.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// AbortError indicates the ceremony was cancelled, either by the relying
// party or by the user through the companion surface. It is used as the
// cancellation cause on the session's abort signal so callers can recover
// the fallback flag with errors.As.
type AbortError struct {
	// FallbackRequested is true when the surface asked the caller to retry
	// the ceremony through the platform's fallback mechanism.
	FallbackRequested bool
}

func (e *AbortError) Error() string {
	if e.FallbackRequested {
		return "ceremony aborted: fallback requested"
	}

	return "ceremony aborted"
}

// IsBridgeError implements BridgeError.
func (e *AbortError) IsBridgeError() bool { return true }

// DuplicateMessageIDError indicates a caller reused a message id that is
// still pending. This is a programming-error class: the request is rejected
// before anything is written to the worker process.
type DuplicateMessageIDError struct {
	MessageID string
}

func (e *DuplicateMessageIDError) Error() string {
	return fmt.Sprintf("message id %q is already pending", e.MessageID)
}

// IsBridgeError implements BridgeError.
func (e *DuplicateMessageIDError) IsBridgeError() bool { return true }

// ProcessError indicates the worker process failed to spawn or exited
// unexpectedly.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("worker process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ProcessError) IsBridgeError() bool { return true }

// ConnectionError indicates failure to establish the worker connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to worker: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ConnectionError) IsBridgeError() bool { return true }

// MessageDecodeError indicates an inbound frame could not be decoded as
// JSON. The raw payload is preserved for diagnostics.
type MessageDecodeError struct {
	RawData string
	Err     error
}

func (e *MessageDecodeError) Error() string {
	return fmt.Sprintf("failed to decode message from worker: %v", e.Err)
}

func (e *MessageDecodeError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *MessageDecodeError) IsBridgeError() bool { return true }
