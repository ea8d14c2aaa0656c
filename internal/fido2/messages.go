package fido2

import (
	"encoding/json"
	"fmt"

	"github.com/hushvault/fido2-bridge-go/internal/errors"
)

// MessageType is the wire discriminator of a protocol message.
type MessageType string

// Protocol message types. Request/response pairing follows the names:
// the broker sends requests, the companion surface answers with responses.
const (
	TypeConnectResponse                             MessageType = "ConnectResponse"
	TypeNewSessionCreatedRequest                    MessageType = "NewSessionCreatedRequest"
	TypePickCredentialRequest                       MessageType = "PickCredentialRequest"
	TypePickCredentialResponse                      MessageType = "PickCredentialResponse"
	TypeConfirmNewCredentialRequest                 MessageType = "ConfirmNewCredentialRequest"
	TypeConfirmNewCredentialResponse                MessageType = "ConfirmNewCredentialResponse"
	TypeConfirmNewNonDiscoverableCredentialRequest  MessageType = "ConfirmNewNonDiscoverableCredentialRequest"
	TypeConfirmNewNonDiscoverableCredentialResponse MessageType = "ConfirmNewNonDiscoverableCredentialResponse"
	TypeInformExcludedCredentialRequest             MessageType = "InformExcludedCredentialRequest"
	TypeInformCredentialNotFoundRequest             MessageType = "InformCredentialNotFoundRequest"
	TypeLogInRequest                                MessageType = "LogInRequest"
	TypeLogInResponse                               MessageType = "LogInResponse"
	TypeAbortRequest                                MessageType = "AbortRequest"
	TypeAbortResponse                               MessageType = "AbortResponse"
)

// Message is one protocol message. Every variant carries the session id it
// belongs to; the id is the sole routing key on the shared bus.
type Message interface {
	// Session returns the session id this message belongs to.
	Session() string

	// MessageType returns the wire discriminator.
	MessageType() MessageType
}

// ConnectResponse is the surface's readiness signal: it has loaded, parsed
// its query parameters, and is listening for the session's traffic.
type ConnectResponse struct {
	SessionID string `json:"sessionId"`
}

func (m *ConnectResponse) Session() string          { return m.SessionID }
func (m *ConnectResponse) MessageType() MessageType { return TypeConnectResponse }

// NewSessionCreatedRequest is broadcast once per session creation so any
// stale session of the same kind can close itself. It has no response.
type NewSessionCreatedRequest struct {
	SessionID string `json:"sessionId"`
}

func (m *NewSessionCreatedRequest) Session() string          { return m.SessionID }
func (m *NewSessionCreatedRequest) MessageType() MessageType { return TypeNewSessionCreatedRequest }

// PickCredentialRequest asks the surface to let the user pick one of the
// candidate vault items for an assertion.
type PickCredentialRequest struct {
	SessionID         string   `json:"sessionId"`
	CipherIDs         []string `json:"cipherIds"`
	UserVerification  bool     `json:"userVerification"`
	FallbackSupported bool     `json:"fallbackSupported"`
}

func (m *PickCredentialRequest) Session() string          { return m.SessionID }
func (m *PickCredentialRequest) MessageType() MessageType { return TypePickCredentialRequest }

// PickCredentialResponse carries the user's selection.
type PickCredentialResponse struct {
	SessionID    string `json:"sessionId"`
	CipherID     string `json:"cipherId,omitempty"`
	UserVerified bool   `json:"userVerified"`
}

func (m *PickCredentialResponse) Session() string          { return m.SessionID }
func (m *PickCredentialResponse) MessageType() MessageType { return TypePickCredentialResponse }

// ConfirmNewCredentialRequest asks the surface to confirm creation of a new
// discoverable credential.
type ConfirmNewCredentialRequest struct {
	SessionID         string `json:"sessionId"`
	CredentialName    string `json:"credentialName"`
	UserName          string `json:"userName"`
	UserVerification  bool   `json:"userVerification"`
	FallbackSupported bool   `json:"fallbackSupported"`
}

func (m *ConfirmNewCredentialRequest) Session() string { return m.SessionID }
func (m *ConfirmNewCredentialRequest) MessageType() MessageType {
	return TypeConfirmNewCredentialRequest
}

// ConfirmNewCredentialResponse acknowledges creation of a discoverable
// credential.
type ConfirmNewCredentialResponse struct {
	SessionID    string `json:"sessionId"`
	UserVerified bool   `json:"userVerified"`
}

func (m *ConfirmNewCredentialResponse) Session() string { return m.SessionID }
func (m *ConfirmNewCredentialResponse) MessageType() MessageType {
	return TypeConfirmNewCredentialResponse
}

// ConfirmNewNonDiscoverableCredentialRequest asks the surface to pick the
// vault item a new non-discoverable credential should be stored on.
type ConfirmNewNonDiscoverableCredentialRequest struct {
	SessionID         string `json:"sessionId"`
	CredentialName    string `json:"credentialName"`
	UserName          string `json:"userName"`
	UserVerification  bool   `json:"userVerification"`
	FallbackSupported bool   `json:"fallbackSupported"`
}

func (m *ConfirmNewNonDiscoverableCredentialRequest) Session() string { return m.SessionID }
func (m *ConfirmNewNonDiscoverableCredentialRequest) MessageType() MessageType {
	return TypeConfirmNewNonDiscoverableCredentialRequest
}

// ConfirmNewNonDiscoverableCredentialResponse carries the chosen vault item.
type ConfirmNewNonDiscoverableCredentialResponse struct {
	SessionID    string `json:"sessionId"`
	CipherID     string `json:"cipherId"`
	UserVerified bool   `json:"userVerified"`
}

func (m *ConfirmNewNonDiscoverableCredentialResponse) Session() string { return m.SessionID }
func (m *ConfirmNewNonDiscoverableCredentialResponse) MessageType() MessageType {
	return TypeConfirmNewNonDiscoverableCredentialResponse
}

// InformExcludedCredentialRequest tells the surface the relying party
// excluded credentials the user already has. The surface informs the user
// and answers with an AbortResponse after closing itself.
type InformExcludedCredentialRequest struct {
	SessionID         string   `json:"sessionId"`
	ExistingCipherIDs []string `json:"existingCipherIds"`
	FallbackSupported bool     `json:"fallbackSupported"`
}

func (m *InformExcludedCredentialRequest) Session() string { return m.SessionID }
func (m *InformExcludedCredentialRequest) MessageType() MessageType {
	return TypeInformExcludedCredentialRequest
}

// InformCredentialNotFoundRequest tells the surface no matching credential
// exists for the assertion. Answered with an AbortResponse.
type InformCredentialNotFoundRequest struct {
	SessionID         string `json:"sessionId"`
	FallbackSupported bool   `json:"fallbackSupported"`
}

func (m *InformCredentialNotFoundRequest) Session() string { return m.SessionID }
func (m *InformCredentialNotFoundRequest) MessageType() MessageType {
	return TypeInformCredentialNotFoundRequest
}

// LogInRequest asks the surface to re-authenticate the user.
type LogInRequest struct {
	SessionID        string `json:"sessionId"`
	UserVerification bool   `json:"userVerification"`
}

func (m *LogInRequest) Session() string          { return m.SessionID }
func (m *LogInRequest) MessageType() MessageType { return TypeLogInRequest }

// LogInResponse reports the re-authentication outcome.
type LogInResponse struct {
	SessionID    string `json:"sessionId"`
	UserVerified bool   `json:"userVerified"`
}

func (m *LogInResponse) Session() string          { return m.SessionID }
func (m *LogInResponse) MessageType() MessageType { return TypeLogInResponse }

// AbortRequest tells the surface its session has been torn down so it can
// close its own window.
type AbortRequest struct {
	SessionID string `json:"sessionId"`
}

func (m *AbortRequest) Session() string          { return m.SessionID }
func (m *AbortRequest) MessageType() MessageType { return TypeAbortRequest }

// AbortResponse signals ceremony cancellation from the surface side, either
// spontaneously (user closed the dialog) or as the acknowledgment of an
// inform-style request.
type AbortResponse struct {
	SessionID         string `json:"sessionId"`
	FallbackRequested bool   `json:"fallbackRequested"`
}

func (m *AbortResponse) Session() string          { return m.SessionID }
func (m *AbortResponse) MessageType() MessageType { return TypeAbortResponse }

// Marshal encodes a message for the surface boundary: the variant's fields
// flattened into one JSON object with a "type" discriminator.
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	var obj map[string]json.RawMessage

	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("flatten message: %w", err)
	}

	typeTag, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshal type tag: %w", err)
	}

	obj["type"] = typeTag

	return json.Marshal(obj)
}

// Unmarshal decodes a wire message by its "type" discriminator.
func Unmarshal(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}

	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode type tag: %w", err)
	}

	var msg Message

	switch head.Type {
	case TypeConnectResponse:
		msg = &ConnectResponse{}
	case TypeNewSessionCreatedRequest:
		msg = &NewSessionCreatedRequest{}
	case TypePickCredentialRequest:
		msg = &PickCredentialRequest{}
	case TypePickCredentialResponse:
		msg = &PickCredentialResponse{}
	case TypeConfirmNewCredentialRequest:
		msg = &ConfirmNewCredentialRequest{}
	case TypeConfirmNewCredentialResponse:
		msg = &ConfirmNewCredentialResponse{}
	case TypeConfirmNewNonDiscoverableCredentialRequest:
		msg = &ConfirmNewNonDiscoverableCredentialRequest{}
	case TypeConfirmNewNonDiscoverableCredentialResponse:
		msg = &ConfirmNewNonDiscoverableCredentialResponse{}
	case TypeInformExcludedCredentialRequest:
		msg = &InformExcludedCredentialRequest{}
	case TypeInformCredentialNotFoundRequest:
		msg = &InformCredentialNotFoundRequest{}
	case TypeLogInRequest:
		msg = &LogInRequest{}
	case TypeLogInResponse:
		msg = &LogInResponse{}
	case TypeAbortRequest:
		msg = &AbortRequest{}
	case TypeAbortResponse:
		msg = &AbortResponse{}
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownMessageType, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}

	return msg, nil
}
