package fido2

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/hushvault/fido2-bridge-go/internal/msgbus"
)

// Broker creates ceremony sessions over a shared message bus. One broker
// serves the whole process; each NewSession call announces itself so stale
// sessions close before the new one starts.
type Broker struct {
	log    *slog.Logger
	bus    *msgbus.Bus[Message]
	auth   AuthStatusProvider
	opener SurfaceOpener
}

// NewBroker wires a broker to its collaborators. The bus may be shared with
// surface implementations; auth and opener are required.
func NewBroker(log *slog.Logger, bus *msgbus.Bus[Message], auth AuthStatusProvider, opener SurfaceOpener) (*Broker, error) {
	if auth == nil {
		return nil, stderrors.New("auth status provider is required")
	}

	if opener == nil {
		return nil, stderrors.New("surface opener is required")
	}

	if log == nil {
		log = slog.Default()
	}

	if bus == nil {
		bus = msgbus.New[Message](log)
	}

	return &Broker{
		log:    log.With("component", "fido2_broker"),
		bus:    bus,
		auth:   auth,
		opener: opener,
	}, nil
}

// Bus exposes the broker's message bus so surface implementations can join
// the conversation.
func (b *Broker) Bus() *msgbus.Bus[Message] { return b.bus }

// NewSession starts a ceremony session. The creation announcement is
// published after the session's subscriptions exist, so the new session can
// never miss traffic that follows its own announcement.
func (b *Broker) NewSession(ctx context.Context, fallbackSupported bool) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := newSession(ctx, b.log, b.bus, b.auth, b.opener, fallbackSupported)

	b.bus.Publish(&NewSessionCreatedRequest{SessionID: s.id})

	b.log.Info("Session created", "session_id", s.id, "fallback_supported", fallbackSupported)

	return s, nil
}
