package nativemsg

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hushvault/fido2-bridge-go/internal/config"
	"github.com/hushvault/fido2-bridge-go/internal/errors"
	"github.com/hushvault/fido2-bridge-go/internal/frame"
)

// readChunkSize is the read buffer size for the worker's stdout stream.
const readChunkSize = 4096

// State is the connection state of a client instance. Each client carries
// its own state; there are no process-wide globals.
type State int

const (
	// StateDisconnected means no worker process is attached.
	StateDisconnected State = iota

	// StateConnecting means the worker was spawned and the client is
	// waiting for its readiness signal.
	StateConnecting

	// StateConnected means the worker sent {command:"connected"} and the
	// client is ready for request/response exchange.
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives messages that match no pending request: worker-initiated
// notifications and responses that arrived after their request timed out.
type Handler func(msg map[string]any)

// SendOption configures a single SendMessage call.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the default response window for one message.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = d
	}
}

// Client exchanges framed JSON messages with one worker process.
//
// The client handles:
//   - Spawning the worker and tracking connection state
//   - Framing outbound messages and reassembling the inbound byte stream
//   - Correlating responses to pending requests by messageId
//   - Per-message timeout enforcement
//   - Dispatching unsolicited messages to the configured handler
//
// All exported methods are safe for concurrent use.
type Client struct {
	log     *slog.Logger
	runner  config.Runner
	handler Handler

	sendTimeout    time.Duration
	connectTimeout time.Duration

	// Connection state and the set of callers awaiting readiness.
	mu      sync.Mutex
	state   State
	stdin   io.WriteCloser
	waiters []chan error
	closing bool
	closed  bool

	// Background loops of the current connection.
	group *errgroup.Group

	// Serializes framed writes so frames never interleave on the pipe.
	writeMu sync.Mutex

	// Pending request tracking.
	pendingMu sync.Mutex
	pending   map[string]chan map[string]any
}

// NewClient creates a client for the given worker runner.
//
// The handler receives unsolicited messages; pass nil to drop them with a
// warning. The logger will receive debug, info, warn, and error messages
// during client operations.
func NewClient(
	log *slog.Logger,
	runner config.Runner,
	handler Handler,
	opts *config.Options,
) *Client {
	return &Client{
		log:            log.With("component", "native_client"),
		runner:         runner,
		handler:        handler,
		sendTimeout:    opts.SendTimeout,
		connectTimeout: opts.ConnectTimeout,
		pending:        make(map[string]chan map[string]any, 10),
	}
}

// Close permanently shuts the client down. The worker process is killed and
// the background loops are awaited; further use fails with ErrClientClosed.
// Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	c.closing = true
	group := c.group
	state := c.state
	c.mu.Unlock()

	if state != StateDisconnected && c.runner != nil {
		_ = c.runner.Kill()
	}

	if group != nil {
		_ = group.Wait()
	}

	c.log.Debug("Client closed")

	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Connect establishes the worker connection.
//
// Connect is idempotent: it returns immediately when already connected, and
// joins the in-flight attempt when a connection is already underway rather
// than spawning a second process. Every caller waiting before readiness
// resolves together once the worker sends its readiness signal, or rejects
// together if the process errors first.
func (c *Client) Connect(ctx context.Context) error {
	if c.runner == nil {
		return errors.ErrNoWorker
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return errors.ErrClientClosed
	}

	switch c.state {
	case StateConnected:
		c.mu.Unlock()

		return nil

	case StateConnecting:
		// Join the in-flight attempt.
		w := make(chan error, 1)
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		return c.awaitReady(ctx, w)
	}

	// Disconnected: single spawn.
	c.log.Info("Starting worker process")

	stdin, stdout, err := c.runner.Start(ctx)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("Failed to start worker process", "error", err)

		return &errors.ConnectionError{Err: err}
	}

	c.state = StateConnecting
	c.stdin = stdin
	c.closing = false

	w := make(chan error, 1)
	c.waiters = append(c.waiters, w)

	g := &errgroup.Group{}
	g.Go(func() error { c.readLoop(stdout); return nil })
	g.Go(func() error { c.waitLoop(); return nil })
	c.group = g

	c.mu.Unlock()

	return c.awaitReady(ctx, w)
}

// awaitReady blocks until the connection attempt settles.
func (c *Client) awaitReady(ctx context.Context, w <-chan error) error {
	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case err := <-w:
		return err

	case <-timer.C:
		c.log.Warn("Timed out waiting for worker readiness", "timeout", c.connectTimeout)

		return &errors.ConnectionError{
			Err: fmt.Errorf("no readiness signal after %s", c.connectTimeout),
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveWaitersLocked settles every caller awaiting readiness.
// Caller must hold c.mu.
func (c *Client) resolveWaitersLocked(err error) {
	for _, w := range c.waiters {
		w <- err
	}

	c.waiters = nil
}

// SendMessage sends a message and waits for the correlated response.
//
// The message must carry a unique messageId. Reusing an id that is still
// pending is a programming error and is rejected synchronously, before
// anything is written to the worker. On timeout the pending entry is
// removed; a late answer from the worker is then dispatched as unsolicited.
func (c *Client) SendMessage(
	ctx context.Context,
	msg map[string]any,
	opts ...SendOption,
) (map[string]any, error) {
	id, ok := msg["messageId"].(string)
	if !ok || id == "" {
		return nil, errors.ErrMissingMessageID
	}

	c.mu.Lock()
	stdin := c.stdin
	state := c.state
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil, errors.ErrClientClosed
	}

	if stdin == nil || state == StateDisconnected {
		return nil, errors.ErrClientNotConnected
	}

	// Claim the message id before touching the wire.
	responseChan := make(chan map[string]any, 1)

	c.pendingMu.Lock()

	if _, exists := c.pending[id]; exists {
		c.pendingMu.Unlock()
		c.log.Warn("Rejected duplicate message id", "message_id", id)

		return nil, &errors.DuplicateMessageIDError{MessageID: id}
	}

	c.pending[id] = responseChan
	c.pendingMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		c.removePending(id)

		return nil, fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	_, err = stdin.Write(frame.Encode(data))
	c.writeMu.Unlock()

	if err != nil {
		c.removePending(id)
		c.log.Error("Failed to write message to worker", "message_id", id, "error", err)

		return nil, fmt.Errorf("write to worker: %w", err)
	}

	c.log.Debug("Message sent, waiting for response", "message_id", id)

	timeout := c.sendTimeout

	options := &sendOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.timeout > 0 {
		timeout = options.timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-responseChan:
		c.log.Debug("Received correlated response", "message_id", id)

		return resp, nil

	case <-timer.C:
		c.removePending(id)
		c.log.Warn("Message timed out", "message_id", id, "timeout", timeout)

		return nil, fmt.Errorf("%w after %s: message id %q", errors.ErrRequestTimeout, timeout, id)

	case <-ctx.Done():
		c.removePending(id)

		return nil, ctx.Err()
	}
}

// removePending deletes a pending entry if it is still registered.
func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Disconnect requests termination of the worker process.
//
// The state transition to disconnected happens in the process-exit watcher,
// not here: disconnect is a request, not an immediate state change. It is
// safe to call when already disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()

	if c.state == StateDisconnected {
		c.mu.Unlock()

		return nil
	}

	c.closing = true
	c.mu.Unlock()

	c.log.Debug("Killing worker process")

	if err := c.runner.Kill(); err != nil {
		return fmt.Errorf("kill worker: %w", err)
	}

	return nil
}

// readLoop reassembles the worker's stdout stream into discrete messages
// and dispatches each one. It exits when the stream closes, which happens
// when the process dies or is killed.
func (c *Client) readLoop(stdout io.ReadCloser) {
	defer c.log.Debug("Read loop stopped")

	dec := frame.NewDecoder()
	buf := make([]byte, readChunkSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			payloads, derr := dec.Feed(buf[:n])

			for _, payload := range payloads {
				var msg map[string]any

				if uerr := json.Unmarshal(payload, &msg); uerr != nil {
					decodeErr := &errors.MessageDecodeError{RawData: string(payload), Err: uerr}
					c.log.Warn("Dropping undecodable message", "error", decodeErr)

					continue
				}

				c.dispatch(msg)
			}

			if derr != nil {
				// The stream cannot be resynchronized past a corrupt prefix.
				c.log.Error("Corrupt frame stream, dropping connection", "error", derr)

				_ = c.runner.Kill()

				return
			}
		}

		if err != nil {
			if err != io.EOF {
				c.log.Debug("Worker stdout read error", "error", err)
			}

			return
		}
	}
}

// dispatch routes one decoded message.
//
// Reserved commands are handled before generic correlation. Anything with a
// pending messageId resolves that request; everything else is unsolicited.
func (c *Client) dispatch(msg map[string]any) {
	if cmd, ok := msg["command"].(string); ok {
		switch cmd {
		case "connected":
			c.mu.Lock()
			c.state = StateConnected
			c.resolveWaitersLocked(nil)
			c.mu.Unlock()

			c.log.Info("Worker connection ready")

			return

		case "disconnected":
			// In-flight requests are not failed here; they run out their
			// own timeouts.
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()

			c.log.Info("Worker reported disconnect")

			return
		}
	}

	if id, ok := msg["messageId"].(string); ok {
		c.pendingMu.Lock()

		responseChan, exists := c.pending[id]
		if exists {
			delete(c.pending, id)
		}

		c.pendingMu.Unlock()

		if exists {
			// We own the entry now; the channel is buffered so this never
			// blocks the read loop.
			responseChan <- msg

			return
		}
	}

	if c.handler != nil {
		c.handler(msg)

		return
	}

	c.log.Warn("Dropping unsolicited message")
}

// waitLoop watches for process exit and performs the state transition to
// disconnected. A failure before readiness rejects every waiting connect
// caller with a ProcessError.
func (c *Client) waitLoop() {
	err := c.runner.Wait()

	c.mu.Lock()

	wasConnecting := c.state == StateConnecting
	closing := c.closing
	c.state = StateDisconnected
	c.stdin = nil

	if wasConnecting {
		procErr := &errors.ProcessError{
			ExitCode: exitCode(err),
			Stderr:   c.runner.Stderr(),
			Err:      err,
		}

		if err == nil {
			procErr.Err = stderrors.New("worker exited before readiness signal")
		}

		c.resolveWaitersLocked(procErr)
	}

	c.mu.Unlock()

	switch {
	case closing:
		c.log.Debug("Worker process terminated during shutdown")
	case err != nil:
		c.log.Error("Worker process exited with error",
			"exit_code", exitCode(err),
			"stderr", c.runner.Stderr(),
		)
	default:
		c.log.Info("Worker process exited")
	}
}

// exitCode extracts the process exit code when available.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return 0
}
