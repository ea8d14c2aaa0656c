package nativemsg

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/hushvault/fido2-bridge-go/internal/config"
)

// maxStderrBufferSize caps the buffered stderr output kept for error
// reporting. Draining continues past the cap so the pipe never fills, but
// the buffer stops growing.
const maxStderrBufferSize = 10 * 1024 * 1024 // 10MB

// ExecRunner spawns the worker binary with os/exec. The worker inherits the
// configured working directory and communicates over piped stdio; stderr is
// drained into a capped buffer for error reporting.
type ExecRunner struct {
	log  *slog.Logger
	path string
	args []string
	cwd  string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stderrWg sync.WaitGroup

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
}

// Compile-time verification that ExecRunner implements the Runner interface.
var _ config.Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner for the worker binary at path. Args are
// passed through verbatim; an empty cwd inherits the current process's
// working directory.
func NewExecRunner(log *slog.Logger, path string, args []string, cwd string) *ExecRunner {
	return &ExecRunner{
		log:  log.With("component", "exec_runner"),
		path: path,
		args: args,
		cwd:  cwd,
	}
}

// Start spawns a fresh worker process and returns its stdio pipes.
func (r *ExecRunner) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check context before spawning; the process itself outlives ctx.
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	cwd := r.cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("get working directory: %w", err)
		}

		cwd = wd
	}

	//nolint:gosec // G204: spawning a configured worker binary is the point.
	cmd := exec.Command(r.path, r.args...)
	cmd.Dir = cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start process: %w", err)
	}

	r.cmd = cmd

	r.stderrMu.Lock()
	r.stderrBuf.Reset()
	r.stderrMu.Unlock()

	r.stderrWg.Add(1)

	go r.drainStderr(stderr)

	r.log.Info("Worker process started", "pid", cmd.Process.Pid, "path", r.path)

	return stdin, stdout, nil
}

// drainStderr buffers worker stderr until the pipe closes.
func (r *ExecRunner) drainStderr(stderr io.Reader) {
	defer r.stderrWg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		r.stderrMu.Lock()

		if r.stderrBuf.Len() < maxStderrBufferSize {
			if r.stderrBuf.Len() > 0 {
				r.stderrBuf.WriteString("\n")
			}

			r.stderrBuf.WriteString(line)
		}

		r.stderrMu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		r.log.Debug("Stderr scanner error", "error", err)
	}
}

// Wait blocks until the current process exits. Stderr reads are completed
// first, as required before exec.Cmd.Wait.
func (r *ExecRunner) Wait() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}

	r.stderrWg.Wait()

	return cmd.Wait()
}

// Kill terminates the current process. Safe to call when nothing is
// running or the process already exited.
func (r *ExecRunner) Kill() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}

	r.log.Debug("Killing worker process", "pid", r.cmd.Process.Pid)

	if err := r.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker process (pid %d): %w", r.cmd.Process.Pid, err)
	}

	return nil
}

// Stderr returns the buffered stderr output of the current process.
func (r *ExecRunner) Stderr() string {
	r.stderrMu.Lock()
	defer r.stderrMu.Unlock()

	return r.stderrBuf.String()
}
