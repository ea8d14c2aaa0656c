package fido2

import (
	"context"
	"net/url"
	"strconv"
)

// AuthStatus is the vault's authentication state. It decides which route a
// new ceremony surface opens on.
type AuthStatus int

const (
	// AuthLoggedOut means no account is signed in.
	AuthLoggedOut AuthStatus = iota

	// AuthLocked means an account is signed in but the vault is locked.
	AuthLocked

	// AuthUnlocked means the vault is open and ciphers are decryptable.
	AuthUnlocked
)

func (s AuthStatus) String() string {
	switch s {
	case AuthLoggedOut:
		return "logged_out"
	case AuthLocked:
		return "locked"
	case AuthUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// AuthStatusProvider reports the current vault authentication state. It is
// consulted once per session, at surface-open time.
type AuthStatusProvider interface {
	AuthStatus(ctx context.Context) (AuthStatus, error)
}

// SurfaceKind is the presentation used for a companion surface.
type SurfaceKind string

const (
	// SurfaceWindow is a standalone popup window.
	SurfaceWindow SurfaceKind = "window"

	// SurfaceTab is a tab in the main UI shell.
	SurfaceTab SurfaceKind = "tab"
)

// Surface is an open companion UI. The session watches Closed to detect the
// user dismissing the window mid-ceremony.
type Surface interface {
	// Kind reports how the surface is presented.
	Kind() SurfaceKind

	// ID identifies the surface for targeted close calls.
	ID() int64

	// Closed is closed when the surface goes away, whoever initiated it.
	Closed() <-chan struct{}
}

// SurfaceOptions controls surface presentation.
type SurfaceOptions struct {
	// Center positions a popup window over the parent.
	Center bool
}

// SurfaceOpener opens and closes companion surfaces. Implementations wrap
// the platform's window manager.
type SurfaceOpener interface {
	Open(ctx context.Context, route string, opts SurfaceOptions) (Surface, error)
	Close(ctx context.Context, s Surface) error
}

// Routes the ceremony surface can open on. Which one is used depends on the
// vault's authentication state: an unlocked vault goes straight to the
// ceremony view, a locked vault must unlock first, and a signed-out user
// must log in.
const (
	routeCeremony = "/fido2"
	routeUnlock   = "/lock"
	routeLogIn    = "/home"
)

// ceremonyRoute builds the surface route for a session. The session id and
// fallback capability ride along as query parameters so the surface can
// join the conversation after any unlock or login detour.
func ceremonyRoute(status AuthStatus, sessionID string, fallbackSupported bool) string {
	var route string

	switch status {
	case AuthUnlocked:
		route = routeCeremony
	case AuthLocked:
		route = routeUnlock
	default:
		route = routeLogIn
	}

	query := url.Values{}
	query.Set("sessionId", sessionID)
	query.Set("fallbackSupported", strconv.FormatBool(fallbackSupported))

	return route + "?" + query.Encode()
}
