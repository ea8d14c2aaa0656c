package fido2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hushvault/fido2-bridge-go/internal/errors"
	"github.com/hushvault/fido2-bridge-go/internal/msgbus"
)

// CredentialResult is the outcome of an operation that resolves to a single
// vault item.
type CredentialResult struct {
	CipherID     string
	UserVerified bool
}

// ConfirmResult is the outcome of a yes/no confirmation operation.
type ConfirmResult struct {
	Confirmed    bool
	UserVerified bool
}

// waiter is the single in-flight conversation of a session. abortOK marks
// conversations whose expected answer is an AbortResponse; for everything
// else an AbortResponse cancels the session instead.
type waiter struct {
	ch      chan Message
	abortOK bool
}

// Session is one credential ceremony. It owns a pair of bus subscriptions
// and, once the first operation runs, a companion surface. At most one
// conversation is in flight at a time.
//
// All methods are safe for concurrent use, though the protocol itself is
// sequential: a second operation while one is pending fails with
// ErrConversationInFlight.
type Session struct {
	id                string
	fallbackSupported bool

	log    *slog.Logger
	bus    *msgbus.Bus[Message]
	auth   AuthStatusProvider
	opener SurfaceOpener

	ctx    context.Context
	cancel context.CancelCauseFunc

	msgs        <-chan Message
	cancelMsgs  func()
	stale       <-chan Message
	cancelStale func()

	openOnce      sync.Once
	connectedOnce sync.Once
	connectedCh   chan struct{}

	mu      sync.Mutex
	surface Surface
	waiter  *waiter
	closed  bool

	// surfaceInitiated marks a close that originated on the surface side.
	// Teardown skips the abort broadcast then; the surface is already gone.
	surfaceInitiated bool

	closeOnce sync.Once
	done      chan struct{}
}

// isResponse reports whether a message flows surface-to-session. Sessions
// subscribe to responses only, so their own published requests never loop
// back to them.
func isResponse(m Message) bool {
	switch m.(type) {
	case *ConnectResponse,
		*PickCredentialResponse,
		*ConfirmNewCredentialResponse,
		*ConfirmNewNonDiscoverableCredentialResponse,
		*LogInResponse,
		*AbortResponse:
		return true
	default:
		return false
	}
}

func newSession(parent context.Context, log *slog.Logger, bus *msgbus.Bus[Message], auth AuthStatusProvider, opener SurfaceOpener, fallbackSupported bool) *Session {
	ctx, cancel := context.WithCancelCause(parent)

	s := &Session{
		id:                uuid.NewString(),
		fallbackSupported: fallbackSupported,
		bus:               bus,
		auth:              auth,
		opener:            opener,
		ctx:               ctx,
		cancel:            cancel,
		connectedCh:       make(chan struct{}),
		done:              make(chan struct{}),
	}

	s.log = log.With("component", "fido2_session", "session_id", s.id)

	// Session id match comes first; type-based handling only ever sees this
	// session's own traffic.
	s.msgs, s.cancelMsgs = bus.Subscribe(func(m Message) bool {
		return m.Session() == s.id && isResponse(m)
	})

	// Announcements from newer sessions. This session closes itself when a
	// replacement appears.
	s.stale, s.cancelStale = bus.Subscribe(func(m Message) bool {
		_, ok := m.(*NewSessionCreatedRequest)

		return ok && m.Session() != s.id
	})

	go s.receiveLoop()
	go s.watchStale()
	go s.watchAbort()

	return s
}

// watchAbort guarantees teardown on every cancellation path, including the
// parent context expiring.
func (s *Session) watchAbort() {
	<-s.ctx.Done()
	s.teardown(context.Background(), true)
}

// ID returns the session id used as the routing key on the bus.
func (s *Session) ID() string { return s.id }

// Context is cancelled when the session ends. After an abort,
// context.Cause returns an *AbortError carrying the fallback flag; after a
// plain close it returns ErrSessionClosed.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// receiveLoop routes this session's inbound responses. It owns the bus
// subscription; operations never read the channel directly.
func (s *Session) receiveLoop() {
	for msg := range s.msgs {
		switch m := msg.(type) {
		case *ConnectResponse:
			s.connectedOnce.Do(func() { close(s.connectedCh) })
		case *AbortResponse:
			s.mu.Lock()
			w := s.waiter

			if w != nil && w.abortOK {
				s.waiter = nil
				s.mu.Unlock()
				w.ch <- m

				continue
			}
			s.mu.Unlock()

			s.log.Debug("Ceremony aborted by surface", "fallback_requested", m.FallbackRequested)
			s.abortFromSurface(&errors.AbortError{FallbackRequested: m.FallbackRequested})
		default:
			s.mu.Lock()
			w := s.waiter
			if w != nil {
				s.waiter = nil
			}
			s.mu.Unlock()

			if w == nil {
				s.log.Warn("Dropping unsolicited message", "type", msg.MessageType())

				continue
			}

			w.ch <- msg
		}
	}
}

// watchStale closes this session when a newer one announces itself.
func (s *Session) watchStale() {
	for {
		select {
		case _, ok := <-s.stale:
			if !ok {
				return
			}

			s.log.Info("Superseded by newer session, closing")
			s.teardown(context.Background(), true)

			return
		case <-s.done:
			return
		}
	}
}

// watchSurface aborts the session when the user dismisses the surface. A
// close initiated by teardown itself is not an abort.
func (s *Session) watchSurface(surface Surface) {
	select {
	case <-surface.Closed():
		s.mu.Lock()
		selfClosed := s.closed
		s.mu.Unlock()

		if selfClosed {
			return
		}

		s.log.Debug("Ceremony surface closed by user")
		s.abortFromSurface(&errors.AbortError{})
	case <-s.done:
	}
}

// abortFromSurface ends the session for a cancellation that originated on
// the surface side. The flag is set before cancelling so no teardown path
// can observe the cancellation without it.
func (s *Session) abortFromSurface(cause *errors.AbortError) {
	s.mu.Lock()
	s.surfaceInitiated = true
	s.mu.Unlock()

	s.cancel(cause)
	s.teardown(context.Background(), false)
}

// openSurface consults the vault auth state and opens the surface on the
// matching route. Runs at most once per session.
func (s *Session) openSurface(ctx context.Context) error {
	status, err := s.auth.AuthStatus(ctx)
	if err != nil {
		return fmt.Errorf("query auth status: %w", err)
	}

	route := ceremonyRoute(status, s.id, s.fallbackSupported)

	surface, err := s.opener.Open(ctx, route, SurfaceOptions{Center: true})
	if err != nil {
		return fmt.Errorf("open ceremony surface: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		_ = s.opener.Close(context.Background(), surface)

		return errors.ErrSessionClosed
	}

	s.surface = surface
	s.mu.Unlock()

	go s.watchSurface(surface)

	s.log.Info("Ceremony surface opened",
		"auth_status", status.String(),
		"surface_kind", string(surface.Kind()),
		"surface_id", surface.ID())

	return nil
}

// ensureConnected lazily opens the surface and blocks until it signals
// readiness with a ConnectResponse.
func (s *Session) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return errors.ErrSessionClosed
	}
	s.mu.Unlock()

	var openErr error

	s.openOnce.Do(func() { openErr = s.openSurface(ctx) })

	if openErr != nil {
		s.teardown(context.Background(), false)

		return openErr
	}

	select {
	case <-s.connectedCh:
		return nil
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request runs one conversation: publish req, wait for the typed response.
// The session's abort signal, teardown, and the caller's ctx all interrupt
// the wait.
func request[T Message](ctx context.Context, s *Session, req Message, abortOK bool) (T, error) {
	var zero T

	if err := s.ensureConnected(ctx); err != nil {
		return zero, err
	}

	w := &waiter{ch: make(chan Message, 1), abortOK: abortOK}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return zero, errors.ErrSessionClosed
	}

	if s.waiter != nil {
		s.mu.Unlock()

		return zero, errors.ErrConversationInFlight
	}

	s.waiter = w
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.waiter == w {
			s.waiter = nil
		}
		s.mu.Unlock()
	}()

	s.bus.Publish(req)

	select {
	case msg := <-w.ch:
		resp, ok := msg.(T)
		if !ok {
			return zero, fmt.Errorf("unexpected response type %s to %s", msg.MessageType(), req.MessageType())
		}

		return resp, nil
	case <-s.ctx.Done():
		return zero, context.Cause(s.ctx)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// PickCredential asks the user to pick one of the candidate vault items for
// an assertion.
func (s *Session) PickCredential(ctx context.Context, cipherIDs []string, userVerification bool) (CredentialResult, error) {
	req := &PickCredentialRequest{
		SessionID:         s.id,
		CipherIDs:         cipherIDs,
		UserVerification:  userVerification,
		FallbackSupported: s.fallbackSupported,
	}

	resp, err := request[*PickCredentialResponse](ctx, s, req, false)
	if err != nil {
		return CredentialResult{}, err
	}

	return CredentialResult{CipherID: resp.CipherID, UserVerified: resp.UserVerified}, nil
}

// ConfirmNewCredential asks the user to confirm creation of a discoverable
// credential. A response means the user confirmed; declining aborts the
// session instead.
func (s *Session) ConfirmNewCredential(ctx context.Context, credentialName, userName string, userVerification bool) (ConfirmResult, error) {
	req := &ConfirmNewCredentialRequest{
		SessionID:         s.id,
		CredentialName:    credentialName,
		UserName:          userName,
		UserVerification:  userVerification,
		FallbackSupported: s.fallbackSupported,
	}

	resp, err := request[*ConfirmNewCredentialResponse](ctx, s, req, false)
	if err != nil {
		return ConfirmResult{}, err
	}

	return ConfirmResult{Confirmed: true, UserVerified: resp.UserVerified}, nil
}

// ConfirmNewNonDiscoverableCredential asks the user to pick the vault item
// a new non-discoverable credential is stored on.
func (s *Session) ConfirmNewNonDiscoverableCredential(ctx context.Context, credentialName, userName string, userVerification bool) (CredentialResult, error) {
	req := &ConfirmNewNonDiscoverableCredentialRequest{
		SessionID:         s.id,
		CredentialName:    credentialName,
		UserName:          userName,
		UserVerification:  userVerification,
		FallbackSupported: s.fallbackSupported,
	}

	resp, err := request[*ConfirmNewNonDiscoverableCredentialResponse](ctx, s, req, false)
	if err != nil {
		return CredentialResult{}, err
	}

	return CredentialResult{CipherID: resp.CipherID, UserVerified: resp.UserVerified}, nil
}

// LogIn asks the surface to re-authenticate the user and reports whether
// verification succeeded.
func (s *Session) LogIn(ctx context.Context, userVerification bool) (bool, error) {
	req := &LogInRequest{
		SessionID:        s.id,
		UserVerification: userVerification,
	}

	resp, err := request[*LogInResponse](ctx, s, req, false)
	if err != nil {
		return false, err
	}

	return resp.UserVerified, nil
}

// InformExcludedCredential tells the user the relying party excluded
// credentials that already exist in the vault. The surface acknowledges
// with an abort, which ends the session; a nil return means the user was
// informed.
func (s *Session) InformExcludedCredential(ctx context.Context, existingCipherIDs []string) error {
	req := &InformExcludedCredentialRequest{
		SessionID:         s.id,
		ExistingCipherIDs: existingCipherIDs,
		FallbackSupported: s.fallbackSupported,
	}

	resp, err := request[*AbortResponse](ctx, s, req, true)
	if err != nil {
		return err
	}

	s.abortFromSurface(&errors.AbortError{FallbackRequested: resp.FallbackRequested})

	return nil
}

// InformCredentialNotFound tells the user no matching credential exists for
// the assertion. Ends the session the same way as
// InformExcludedCredential.
func (s *Session) InformCredentialNotFound(ctx context.Context) error {
	req := &InformCredentialNotFoundRequest{
		SessionID:         s.id,
		FallbackSupported: s.fallbackSupported,
	}

	resp, err := request[*AbortResponse](ctx, s, req, true)
	if err != nil {
		return err
	}

	s.abortFromSurface(&errors.AbortError{FallbackRequested: resp.FallbackRequested})

	return nil
}

// Abort cancels the ceremony from the caller's side and tears the session
// down. Any pending operation fails with an *AbortError.
func (s *Session) Abort(requestFallback bool) {
	s.cancel(&errors.AbortError{FallbackRequested: requestFallback})
	s.teardown(context.Background(), true)
}

// Close tears the session down without marking the ceremony aborted. Any
// pending operation fails with ErrSessionClosed. Safe to call more than
// once.
func (s *Session) Close() {
	s.teardown(context.Background(), true)
}

// teardown releases everything the session holds, exactly once: the surface
// first so the UI disappears immediately, then the bus subscriptions, then
// the abort broadcast when this side initiated the close.
func (s *Session) teardown(ctx context.Context, notify bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		surface := s.surface
		s.surface = nil
		notify = notify && !s.surfaceInitiated
		s.mu.Unlock()

		if surface != nil {
			if err := s.opener.Close(ctx, surface); err != nil {
				s.log.Warn("Failed to close ceremony surface", "error", err)
			}
		}

		s.cancelMsgs()
		s.cancelStale()

		if notify {
			s.bus.Publish(&AbortRequest{SessionID: s.id})
		}

		// Cancel before closing done so anyone woken by either signal sees
		// the final cause. An earlier abort cancellation wins over this one.
		s.cancel(errors.ErrSessionClosed)
		close(s.done)

		s.log.Debug("Session torn down")
	})
}
