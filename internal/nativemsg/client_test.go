package nativemsg

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hushvault/fido2-bridge-go/internal/config"
	bridgeerrors "github.com/hushvault/fido2-bridge-go/internal/errors"
	"github.com/hushvault/fido2-bridge-go/internal/frame"
)

// captureWriter is a non-blocking stdin sink the test can inspect.
type captureWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.Write(p)
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]byte(nil), w.buf.Bytes()...)
}

// fakeRunner simulates the worker process. The test writes frames into the
// stdout pipe and signals exit through exitCh.
type fakeRunner struct {
	mu        sync.Mutex
	started   int
	failStart error
	stdin     *captureWriter
	stdoutR   *io.PipeReader
	stdoutW   *io.PipeWriter
	exitCh    chan error
	stderr    string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{}
}

func (r *fakeRunner) Start(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failStart != nil {
		return nil, nil, r.failStart
	}

	r.started++
	r.stdin = &captureWriter{}
	r.stdoutR, r.stdoutW = io.Pipe()
	r.exitCh = make(chan error, 1)

	return r.stdin, r.stdoutR, nil
}

func (r *fakeRunner) Wait() error {
	r.mu.Lock()
	exitCh := r.exitCh
	r.mu.Unlock()

	return <-exitCh
}

func (r *fakeRunner) Kill() error {
	r.exit(nil)

	return nil
}

func (r *fakeRunner) Stderr() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stderr
}

// exit simulates process termination: the stdout stream closes and Wait
// returns.
func (r *fakeRunner) exit(err error) {
	r.mu.Lock()
	stdoutW := r.stdoutW
	exitCh := r.exitCh
	r.mu.Unlock()

	if stdoutW != nil {
		_ = stdoutW.Close()
	}

	if exitCh != nil {
		select {
		case exitCh <- err:
		default:
		}
	}
}

// send writes one framed JSON message to the worker's stdout.
func (r *fakeRunner) send(t *testing.T, msg map[string]any) {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	r.mu.Lock()
	stdoutW := r.stdoutW
	r.mu.Unlock()

	_, err = stdoutW.Write(frame.Encode(data))
	require.NoError(t, err)
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.started
}

var _ config.Runner = (*fakeRunner)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() *config.Options {
	return &config.Options{
		SendTimeout:    time.Second,
		ConnectTimeout: time.Second,
	}
}

func newTestClient(t *testing.T, handler Handler) (*Client, *fakeRunner) {
	t.Helper()

	runner := newFakeRunner()
	client := NewClient(testLogger(), runner, handler, testOptions())

	return client, runner
}

func connect(t *testing.T, client *Client, runner *fakeRunner) {
	t.Helper()

	errCh := make(chan error, 1)

	go func() {
		errCh <- client.Connect(context.Background())
	}()

	// Readiness signal from the worker.
	require.Eventually(t, func() bool {
		return runner.startCount() == 1
	}, time.Second, time.Millisecond)

	runner.send(t, map[string]any{"command": "connected"})

	require.NoError(t, <-errCh)
	require.Equal(t, StateConnected, client.State())
}

// awaitWrite blocks until the client has written at least one frame beyond
// offset, returning the full captured stream.
func awaitWrite(t *testing.T, runner *fakeRunner, offset int) []byte {
	t.Helper()

	var captured []byte

	require.Eventually(t, func() bool {
		captured = runner.stdin.bytes()

		return len(captured) > offset
	}, time.Second, time.Millisecond)

	return captured
}

func TestClient_Connect_Idempotent(t *testing.T) {
	client, runner := newTestClient(t, nil)

	connect(t, client, runner)

	// Second call returns immediately without spawning again.
	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, runner.startCount())
}

func TestClient_Connect_ConcurrentCallersJoinOneAttempt(t *testing.T) {
	client, runner := newTestClient(t, nil)

	const callers = 5

	errCh := make(chan error, callers)

	for i := 0; i < callers; i++ {
		go func() {
			errCh <- client.Connect(context.Background())
		}()
	}

	require.Eventually(t, func() bool {
		return client.State() == StateConnecting
	}, time.Second, time.Millisecond)

	// Exactly one process despite concurrent callers.
	require.Equal(t, 1, runner.startCount())

	runner.send(t, map[string]any{"command": "connected"})

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errCh)
	}
}

func TestClient_Connect_SpawnFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.failStart = stderrors.New("no such file")
	client := NewClient(testLogger(), runner, nil, testOptions())

	err := client.Connect(context.Background())

	var connErr *bridgeerrors.ConnectionError

	require.ErrorAs(t, err, &connErr)
	require.Equal(t, StateDisconnected, client.State())
}

func TestClient_Connect_ProcessDiesBeforeReadiness(t *testing.T) {
	client, runner := newTestClient(t, nil)

	const callers = 3

	errCh := make(chan error, callers)

	for i := 0; i < callers; i++ {
		go func() {
			errCh <- client.Connect(context.Background())
		}()
	}

	// Every caller must be registered before the process dies, or a
	// latecomer would start a second attempt.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()

		return len(client.waiters) == callers
	}, time.Second, time.Millisecond)

	runner.mu.Lock()
	runner.stderr = "panic: worker exploded"
	runner.mu.Unlock()

	runner.exit(stderrors.New("exit status 2"))

	// Every waiter rejects together with the same failure class.
	for i := 0; i < callers; i++ {
		err := <-errCh

		var procErr *bridgeerrors.ProcessError

		require.ErrorAs(t, err, &procErr)
		require.Equal(t, "panic: worker exploded", procErr.Stderr)
	}

	require.Equal(t, StateDisconnected, client.State())
}

func TestClient_Connect_NoRunner(t *testing.T) {
	client := NewClient(testLogger(), nil, nil, testOptions())

	require.ErrorIs(t, client.Connect(context.Background()), bridgeerrors.ErrNoWorker)
}

func TestClient_SendMessage_FramedWireFormat(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	go func() {
		_, _ = client.SendMessage(context.Background(), map[string]any{
			"messageId": "m1",
			"command":   "status",
		})
	}()

	captured := awaitWrite(t, runner, 0)

	dec := frame.NewDecoder()

	payloads, err := dec.Feed(captured)
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	var sent map[string]any

	require.NoError(t, json.Unmarshal(payloads[0], &sent))
	require.Equal(t, "m1", sent["messageId"])
	require.Equal(t, "status", sent["command"])
}

func TestClient_SendMessage_CorrelatedResponse(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	respCh := make(chan map[string]any, 1)
	errCh := make(chan error, 1)

	go func() {
		resp, err := client.SendMessage(context.Background(), map[string]any{
			"messageId": "m1",
		})
		respCh <- resp
		errCh <- err
	}()

	awaitWrite(t, runner, 0)

	runner.send(t, map[string]any{"messageId": "m1", "status": "ok"})

	resp := <-respCh
	require.NoError(t, <-errCh)
	require.Equal(t, "ok", resp["status"])
}

func TestClient_SendMessage_ResponsesMatchedByIDNotOrder(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	type result struct {
		resp map[string]any
		err  error
	}

	res1 := make(chan result, 1)
	res2 := make(chan result, 1)

	go func() {
		resp, err := client.SendMessage(context.Background(), map[string]any{"messageId": "m1"})
		res1 <- result{resp, err}
	}()

	awaitWrite(t, runner, 0)
	first := len(runner.stdin.bytes())

	go func() {
		resp, err := client.SendMessage(context.Background(), map[string]any{"messageId": "m2"})
		res2 <- result{resp, err}
	}()

	awaitWrite(t, runner, first)

	// Answer in reverse order.
	runner.send(t, map[string]any{"messageId": "m2", "n": float64(2)})
	runner.send(t, map[string]any{"messageId": "m1", "n": float64(1)})

	r2 := <-res2
	require.NoError(t, r2.err)
	require.Equal(t, float64(2), r2.resp["n"])

	r1 := <-res1
	require.NoError(t, r1.err)
	require.Equal(t, float64(1), r1.resp["n"])
}

func TestClient_SendMessage_DuplicateIDRejectedSynchronously(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	done := make(chan error, 1)

	go func() {
		_, err := client.SendMessage(context.Background(), map[string]any{"messageId": "m1"})
		done <- err
	}()

	awaitWrite(t, runner, 0)
	before := len(runner.stdin.bytes())

	// Second use of the id rejects immediately, before touching the wire.
	_, err := client.SendMessage(context.Background(), map[string]any{"messageId": "m1"})

	var dupErr *bridgeerrors.DuplicateMessageIDError

	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, "m1", dupErr.MessageID)
	require.Equal(t, before, len(runner.stdin.bytes()))

	// The first request is unaffected.
	runner.send(t, map[string]any{"messageId": "m1", "status": "ok"})
	require.NoError(t, <-done)
}

func TestClient_SendMessage_TimeoutRemovesPendingEntry(t *testing.T) {
	unsolicited := make(chan map[string]any, 1)
	client, runner := newTestClient(t, func(msg map[string]any) {
		unsolicited <- msg
	})
	connect(t, client, runner)

	start := time.Now()

	_, err := client.SendMessage(context.Background(), map[string]any{
		"messageId": "m1",
	}, WithTimeout(50*time.Millisecond))

	require.ErrorIs(t, err, bridgeerrors.ErrRequestTimeout)
	require.Contains(t, err.Error(), `"m1"`)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	// A late answer no longer matches a pending entry and is handed to the
	// unsolicited handler instead.
	runner.send(t, map[string]any{"messageId": "m1", "status": "late"})

	select {
	case msg := <-unsolicited:
		require.Equal(t, "late", msg["status"])
	case <-time.After(time.Second):
		t.Fatal("late response was not dispatched as unsolicited")
	}
}

func TestClient_SendMessage_MissingID(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	_, err := client.SendMessage(context.Background(), map[string]any{"command": "status"})
	require.ErrorIs(t, err, bridgeerrors.ErrMissingMessageID)
}

func TestClient_SendMessage_NotConnected(t *testing.T) {
	client, _ := newTestClient(t, nil)

	_, err := client.SendMessage(context.Background(), map[string]any{"messageId": "m1"})
	require.ErrorIs(t, err, bridgeerrors.ErrClientNotConnected)
}

func TestClient_UnsolicitedMessagesReachHandler(t *testing.T) {
	unsolicited := make(chan map[string]any, 1)
	client, runner := newTestClient(t, func(msg map[string]any) {
		unsolicited <- msg
	})
	connect(t, client, runner)

	runner.send(t, map[string]any{"command": "lockRequested"})

	select {
	case msg := <-unsolicited:
		require.Equal(t, "lockRequested", msg["command"])
	case <-time.After(time.Second):
		t.Fatal("unsolicited message was not dispatched")
	}
}

func TestClient_DisconnectedCommand_LeavesInFlightToTimeOut(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	errCh := make(chan error, 1)

	go func() {
		_, err := client.SendMessage(context.Background(), map[string]any{
			"messageId": "m1",
		}, WithTimeout(100*time.Millisecond))
		errCh <- err
	}()

	awaitWrite(t, runner, 0)

	runner.send(t, map[string]any{"command": "disconnected"})

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, time.Second, time.Millisecond)

	// The request was not failed by the transition; it times out on its own.
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, bridgeerrors.ErrRequestTimeout)
	case <-time.After(time.Second):
		t.Fatal("in-flight request did not settle")
	}
}

func TestClient_Disconnect_StateChangesViaExitWatcher(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	require.NoError(t, client.Disconnect())

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, time.Second, time.Millisecond)

	// Idempotent once disconnected.
	require.NoError(t, client.Disconnect())
}

func TestClient_ReconnectAfterExit(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	runner.exit(nil)

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, time.Second, time.Millisecond)

	// A fresh connect spawns a second process.
	errCh := make(chan error, 1)

	go func() {
		errCh <- client.Connect(context.Background())
	}()

	require.Eventually(t, func() bool {
		return runner.startCount() == 2
	}, time.Second, time.Millisecond)

	runner.send(t, map[string]any{"command": "connected"})
	require.NoError(t, <-errCh)
}

func TestClient_Close_RejectsFurtherUse(t *testing.T) {
	client, runner := newTestClient(t, nil)
	connect(t, client, runner)

	require.NoError(t, client.Close())
	require.Equal(t, StateDisconnected, client.State())

	require.ErrorIs(t, client.Connect(context.Background()), bridgeerrors.ErrClientClosed)

	_, err := client.SendMessage(context.Background(), map[string]any{"messageId": "m1"})
	require.ErrorIs(t, err, bridgeerrors.ErrClientClosed)

	// Safe to call again.
	require.NoError(t, client.Close())
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		require.False(t, seen[id], "duplicate message id %q", id)

		seen[id] = true
	}
}
