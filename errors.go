package fido2bridge

import (
	"github.com/hushvault/fido2-bridge-go/internal/errors"
)

// Error types, re-exported from the internal errors package.
type (
	// BridgeError is the base interface for all errors produced by this
	// module.
	BridgeError = errors.BridgeError

	// AbortError indicates the ceremony was cancelled. It carries the
	// fallback flag and is retrievable from a session context's cause with
	// errors.As.
	AbortError = errors.AbortError

	// DuplicateMessageIDError indicates a message id was reused while still
	// pending.
	DuplicateMessageIDError = errors.DuplicateMessageIDError

	// ProcessError indicates the worker process failed to spawn or exited
	// unexpectedly.
	ProcessError = errors.ProcessError

	// ConnectionError indicates failure to establish the worker connection.
	ConnectionError = errors.ConnectionError

	// MessageDecodeError indicates an inbound frame could not be decoded.
	MessageDecodeError = errors.MessageDecodeError
)

// Sentinel errors, re-exported for errors.Is checks.
var (
	ErrSessionClosed        = errors.ErrSessionClosed
	ErrClientNotConnected   = errors.ErrClientNotConnected
	ErrClientClosed         = errors.ErrClientClosed
	ErrRequestTimeout       = errors.ErrRequestTimeout
	ErrMissingMessageID     = errors.ErrMissingMessageID
	ErrNoWorker             = errors.ErrNoWorker
	ErrConversationInFlight = errors.ErrConversationInFlight
	ErrUnknownMessageType   = errors.ErrUnknownMessageType
)
