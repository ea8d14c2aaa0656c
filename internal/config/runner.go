package config

import (
	"context"
	"io"
)

// Runner abstracts the worker process so the native client can be tested
// against a fake. The production implementation wraps os/exec.
//
// A Runner supports sequential connection cycles: after Wait returns, Start
// may be called again to spawn a fresh process.
type Runner interface {
	// Start spawns the worker and returns its stdio pipes.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Wait blocks until the current process exits.
	Wait() error

	// Kill terminates the current process. Safe to call when no process is
	// running.
	Kill() error

	// Stderr returns the buffered stderr output of the current process,
	// used for error reporting after an unexpected exit.
	Stderr() string
}
