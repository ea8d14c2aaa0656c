package fido2bridge

import (
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/hushvault/fido2-bridge-go/internal/config"
	"github.com/hushvault/fido2-bridge-go/internal/fido2"
	"github.com/hushvault/fido2-bridge-go/internal/msgbus"
	"github.com/hushvault/fido2-bridge-go/internal/nativemsg"
)

// Ceremony types, re-exported from the internal fido2 package.
type (
	// Broker creates ceremony sessions over a shared message bus.
	Broker = fido2.Broker

	// Session is one credential ceremony.
	Session = fido2.Session

	// Message is one protocol message on the ceremony bus.
	Message = fido2.Message

	// MessageType is the wire discriminator of a protocol message.
	MessageType = fido2.MessageType

	// CredentialResult is the outcome of an operation that resolves to a
	// single vault item.
	CredentialResult = fido2.CredentialResult

	// ConfirmResult is the outcome of a yes/no confirmation operation.
	ConfirmResult = fido2.ConfirmResult

	// AuthStatus is the vault's authentication state.
	AuthStatus = fido2.AuthStatus

	// AuthStatusProvider reports the current vault authentication state.
	AuthStatusProvider = fido2.AuthStatusProvider

	// Surface is an open companion UI.
	Surface = fido2.Surface

	// SurfaceKind is the presentation used for a companion surface.
	SurfaceKind = fido2.SurfaceKind

	// SurfaceOptions controls surface presentation.
	SurfaceOptions = fido2.SurfaceOptions

	// SurfaceOpener opens and closes companion surfaces.
	SurfaceOpener = fido2.SurfaceOpener

	// Bus is the process-wide broadcast channel ceremony traffic runs over.
	Bus = msgbus.Bus[fido2.Message]
)

// Protocol message variants.
type (
	ConnectResponse                             = fido2.ConnectResponse
	NewSessionCreatedRequest                    = fido2.NewSessionCreatedRequest
	PickCredentialRequest                       = fido2.PickCredentialRequest
	PickCredentialResponse                      = fido2.PickCredentialResponse
	ConfirmNewCredentialRequest                 = fido2.ConfirmNewCredentialRequest
	ConfirmNewCredentialResponse                = fido2.ConfirmNewCredentialResponse
	ConfirmNewNonDiscoverableCredentialRequest  = fido2.ConfirmNewNonDiscoverableCredentialRequest
	ConfirmNewNonDiscoverableCredentialResponse = fido2.ConfirmNewNonDiscoverableCredentialResponse
	InformExcludedCredentialRequest             = fido2.InformExcludedCredentialRequest
	InformCredentialNotFoundRequest             = fido2.InformCredentialNotFoundRequest
	LogInRequest                                = fido2.LogInRequest
	LogInResponse                               = fido2.LogInResponse
	AbortRequest                                = fido2.AbortRequest
	AbortResponse                               = fido2.AbortResponse
)

// Vault authentication states.
const (
	AuthLoggedOut = fido2.AuthLoggedOut
	AuthLocked    = fido2.AuthLocked
	AuthUnlocked  = fido2.AuthUnlocked
)

// Surface presentations.
const (
	SurfaceWindow = fido2.SurfaceWindow
	SurfaceTab    = fido2.SurfaceTab
)

// Native client types, re-exported from the internal nativemsg package.
type (
	// NativeClient exchanges framed JSON messages with one worker process.
	NativeClient = nativemsg.Client

	// State is the connection state of a native client.
	State = nativemsg.State

	// Handler receives unsolicited worker messages.
	Handler = nativemsg.Handler

	// SendOption configures a single SendMessage call.
	SendOption = nativemsg.SendOption

	// Runner abstracts worker process spawning.
	Runner = config.Runner
)

// Native client connection states.
const (
	StateDisconnected = nativemsg.StateDisconnected
	StateConnecting   = nativemsg.StateConnecting
	StateConnected    = nativemsg.StateConnected
)

// WithTimeout overrides the default response window for one SendMessage
// call.
func WithTimeout(d time.Duration) SendOption {
	return nativemsg.WithTimeout(d)
}

// MarshalMessage encodes a ceremony message for the surface boundary.
func MarshalMessage(m Message) ([]byte, error) {
	return fido2.Marshal(m)
}

// UnmarshalMessage decodes a ceremony wire message by its type tag.
func UnmarshalMessage(data []byte) (Message, error) {
	return fido2.Unmarshal(data)
}

// NewMessageID generates a unique message id for native messaging
// correlation.
func NewMessageID() string {
	return nativemsg.NewMessageID()
}

// NewBus creates a standalone message bus, for hosts that wire surface
// implementations to the broker through WithBus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = NopLogger()
	}

	return msgbus.New[fido2.Message](log)
}

// NopLogger returns a logger that discards everything. It is the default
// when WithLogger is not given.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

func buildOptions(opts []Option) *config.Options {
	o := &config.Options{}

	for _, opt := range opts {
		opt(o)
	}

	o.ApplyDefaults()

	if o.Logger == nil {
		o.Logger = NopLogger()
	}

	return o
}

// NewBroker creates a ceremony session broker. The auth provider decides
// which route a new surface opens on; the opener wraps the host's window
// manager.
func NewBroker(auth AuthStatusProvider, opener SurfaceOpener, opts ...Option) (*Broker, error) {
	o := buildOptions(opts)

	return fido2.NewBroker(o.Logger, o.Bus, auth, opener)
}

// NewNativeClient creates a client for the browser-side worker process.
// The worker is spawned from WithWorkerPath unless WithRunner overrides
// spawning; WithChannelName prepends the endpoint name to the worker's
// arguments. The handler receives unsolicited messages and may be nil.
func NewNativeClient(handler Handler, opts ...Option) *NativeClient {
	o := buildOptions(opts)

	runner := o.Runner
	if runner == nil && o.WorkerPath != "" {
		args := o.WorkerArgs
		if o.ChannelName != "" {
			args = append([]string{o.ChannelName}, args...)
		}

		runner = nativemsg.NewExecRunner(o.Logger, o.WorkerPath, args, o.Cwd)
	}

	return nativemsg.NewClient(o.Logger, runner, handler, o)
}

// WithNativeClient connects a native client, runs fn, and shuts the client
// down afterwards, even when fn fails.
func WithNativeClient(ctx context.Context, handler Handler, fn func(context.Context, *NativeClient) error, opts ...Option) error {
	client := NewNativeClient(handler, opts...)

	if err := client.Connect(ctx); err != nil {
		return err
	}

	defer func() { _ = client.Close() }()

	return fn(ctx, client)
}
