package fido2bridge

import (
	"log/slog"
	"time"

	"github.com/hushvault/fido2-bridge-go/internal/config"
)

// Option configures the broker or the native client.
type Option func(*config.Options)

// WithLogger sets the logger for internal diagnostics. Without it, output
// is discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *config.Options) {
		o.Logger = log
	}
}

// WithWorkerPath sets the worker binary the native client spawns.
func WithWorkerPath(path string) Option {
	return func(o *config.Options) {
		o.WorkerPath = path
	}
}

// WithWorkerArgs sets extra arguments for the worker binary.
func WithWorkerArgs(args ...string) Option {
	return func(o *config.Options) {
		o.WorkerArgs = args
	}
}

// WithChannelName sets the endpoint name passed to the worker as its first
// argument, following the native messaging host convention.
func WithChannelName(name string) Option {
	return func(o *config.Options) {
		o.ChannelName = name
	}
}

// WithCwd sets the working directory for the worker process.
func WithCwd(cwd string) Option {
	return func(o *config.Options) {
		o.Cwd = cwd
	}
}

// WithSendTimeout sets the default response window for native messages.
// The HUSHVAULT_NATIVE_TIMEOUT environment variable provides the default.
func WithSendTimeout(d time.Duration) Option {
	return func(o *config.Options) {
		o.SendTimeout = d
	}
}

// WithConnectTimeout bounds the wait for the worker readiness signal. The
// HUSHVAULT_CONNECT_TIMEOUT environment variable provides the default.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *config.Options) {
		o.ConnectTimeout = d
	}
}

// WithRunner overrides worker process spawning, primarily for tests.
func WithRunner(r Runner) Option {
	return func(o *config.Options) {
		o.Runner = r
	}
}

// WithBus shares a message bus between the broker and surface
// implementations living elsewhere in the host application.
func WithBus(bus *Bus) Option {
	return func(o *config.Options) {
		o.Bus = bus
	}
}
