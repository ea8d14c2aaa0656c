// Package config holds the shared options struct consumed by the broker and
// the native messaging client, plus environment-variable defaults.
package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hushvault/fido2-bridge-go/internal/fido2"
	"github.com/hushvault/fido2-bridge-go/internal/msgbus"
)

const (
	// DefaultSendTimeout is the default window for a correlated native
	// messaging response.
	DefaultSendTimeout = 10 * time.Second

	// DefaultConnectTimeout is the default upper bound for waiting on the
	// worker's readiness signal.
	DefaultConnectTimeout = 30 * time.Second
)

// Options configures the broker and the native messaging client.
// Values are set through the functional options in the root package.
type Options struct {
	// Logger receives debug/info/warn/error output. Nil means silent.
	Logger *slog.Logger

	// WorkerPath is the worker binary spawned by the native client.
	WorkerPath string

	// WorkerArgs are extra arguments passed to the worker binary.
	WorkerArgs []string

	// ChannelName identifies the worker endpoint; passed to the worker as
	// its first argument, matching the native messaging host convention.
	ChannelName string

	// Cwd is the working directory for the worker process. Empty means the
	// current process's working directory is inherited.
	Cwd string

	// Runner overrides process spawning, primarily for tests.
	Runner Runner

	// Bus lets the broker share a message bus with surface implementations.
	// Nil means the broker creates its own.
	Bus *msgbus.Bus[fido2.Message]

	// SendTimeout is the default per-message response window.
	SendTimeout time.Duration

	// ConnectTimeout bounds the wait for the worker readiness signal.
	ConnectTimeout time.Duration
}

// envDefaults are the environment-variable overrides for timeout defaults.
type envDefaults struct {
	SendTimeout    time.Duration `env:"HUSHVAULT_NATIVE_TIMEOUT" envDefault:"10s"`
	ConnectTimeout time.Duration `env:"HUSHVAULT_CONNECT_TIMEOUT" envDefault:"30s"`
}

// ApplyDefaults fills unset fields from the environment, falling back to the
// package constants when a variable is missing or malformed.
func (o *Options) ApplyDefaults() {
	defaults, err := env.ParseAs[envDefaults]()
	if err != nil {
		defaults = envDefaults{
			SendTimeout:    DefaultSendTimeout,
			ConnectTimeout: DefaultConnectTimeout,
		}
	}

	if o.SendTimeout <= 0 {
		o.SendTimeout = defaults.SendTimeout
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaults.ConnectTimeout
	}
}
