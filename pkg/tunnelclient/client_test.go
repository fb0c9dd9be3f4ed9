package tunnelclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherline/tether/pkg/auth"
	"github.com/tetherline/tether/pkg/daemonstore"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/session"
	"github.com/tetherline/tether/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// fakeSubprocess is a minimal in-memory session.Subprocess: never actually
// exits on its own, just enough for a session to start and be cancelled.
type fakeSubprocess struct {
	stdinR, stdoutW     *io.PipeReader
	stdinW, stdoutWSide *io.PipeWriter
	mu                  sync.Mutex
	exitCh              chan struct{}
}

func newFakeSubprocess() *fakeSubprocess {
	sinR, sinW := io.Pipe()
	soutR, soutW := io.Pipe()
	return &fakeSubprocess{stdinR: sinR, stdinW: sinW, stdoutW: soutR, stdoutWSide: soutW, exitCh: make(chan struct{})}
}

func (f *fakeSubprocess) Start(ctx context.Context) error { return nil }
func (f *fakeSubprocess) Stdin() io.WriteCloser            { return f.stdinW }
func (f *fakeSubprocess) Stdout() io.Reader                { return f.stdoutW }
func (f *fakeSubprocess) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.exitCh:
	default:
		close(f.exitCh)
	}
	return nil
}
func (f *fakeSubprocess) Wait() error {
	<-f.exitCh
	return nil
}

// fakeStore is an in-memory session.Store substitute, avoiding any real
// daemonstore/SQLite dependency in these tests.
type fakeStore struct {
	mu sync.Mutex
}

func (s *fakeStore) CreateSession(ctx context.Context, sess *daemonstore.Session) error { return nil }
func (s *fakeStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	return nil
}
func (s *fakeStore) AppendMessage(ctx context.Context, sessionID string, sequence uint64, kind string, payload []byte) error {
	return nil
}

func (s *fakeStore) ListMessagesSince(ctx context.Context, sessionID string, afterSequence uint64) ([]daemonstore.MessageEntry, error) {
	return nil, nil
}

func newTestMultiplexer() *session.Multiplexer {
	return session.New(&fakeStore{}, discardLogger(), session.DefaultMaxClients, session.DefaultBroadcastCapacity)
}

func testSpawn(proc session.Subprocess) session.SpawnFunc {
	return func(ctx context.Context, sessionID, workingDirectory, model string) (session.Subprocess, error) {
		return proc, nil
	}
}

func TestSendHeartbeatDeliversPayload(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	mux := newTestMultiplexer()
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), nil, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan *frame.Frame, 1)
	peerCorr := frame.NewCorrelator()
	var peerSess *frame.Session
	peerSess = frame.NewSession(b, peerCorr, func(f *frame.Frame) {
		if f.Type == frame.TypeRequest {
			received <- f
			peerSess.Send(ctx, frame.ResponseOK(f.CorrelationID, nil, true))
		}
	}, discardLogger())
	go peerSess.Run(ctx)

	corr := frame.NewCorrelator()
	sess := frame.NewSession(a, corr, func(*frame.Frame) {}, discardLogger())
	go sess.Run(ctx)

	c.sendHeartbeat(ctx, sess, corr)

	select {
	case f := <-received:
		assert.Equal(t, wire.MethodHeartbeat, f.Method)
		var payload wire.HeartbeatPayload
		require.NoError(t, json.Unmarshal(f.Payload, &payload))
		assert.Equal(t, "machine-1", payload.MachineID)
		assert.Equal(t, 0, payload.ActiveSessionCount)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat request")
	}
}

func TestHandleCancelUnknownSessionRespondsError(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	mux := newTestMultiplexer()
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), nil, time.Hour, discardLogger())

	responses := make(chan *frame.Frame, 1)
	corr := frame.NewCorrelator()
	sess := frame.NewSession(a, corr, func(*frame.Frame) {}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)

	peerCorr := frame.NewCorrelator()
	peerSess := frame.NewSession(b, peerCorr, func(f *frame.Frame) {
		if f.Type == frame.TypeResponse {
			responses <- f
		}
	}, discardLogger())
	go peerSess.Run(ctx)

	payload, err := json.Marshal(wire.ConverseClientMessage{SessionID: "missing-session"})
	require.NoError(t, err)
	c.handleCancel(ctx, sess, frame.Request(1, wire.MethodCancelTurn, nil, payload))

	select {
	case f := <-responses:
		assert.Equal(t, frame.StatusError, f.RespStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel error response")
	}
}

// fakeSettings is an in-memory SettingsProvider.
type fakeSettings struct {
	mu  sync.Mutex
	doc json.RawMessage
}

func (f *fakeSettings) Get() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.doc, nil
}

func (f *fakeSettings) Update(doc json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc = append(json.RawMessage(nil), doc...)
	return nil
}

func (f *fakeSettings) McpServers() (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func tunnelPair(t *testing.T) (*frame.Session, chan *frame.Frame) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	corr := frame.NewCorrelator()
	sess := frame.NewSession(a, corr, func(*frame.Frame) {}, discardLogger())
	go sess.Run(ctx)

	responses := make(chan *frame.Frame, 8)
	peerCorr := frame.NewCorrelator()
	peerSess := frame.NewSession(b, peerCorr, func(f *frame.Frame) {
		if f.Type == frame.TypeResponse {
			responses <- f
		}
	}, discardLogger())
	go peerSess.Run(ctx)

	return sess, responses
}

func TestHandleConfigSettingsRoundTrip(t *testing.T) {
	mux := newTestMultiplexer()
	settings := &fakeSettings{}
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), nil, time.Hour, discardLogger()).
		WithLocalServices(nil, settings)

	sess, responses := tunnelPair(t)

	c.handleRequest(sess, frame.Request(1, wire.MethodUpdateSettings, nil, []byte(`{"theme":"dark"}`)))
	select {
	case f := <-responses:
		assert.Equal(t, frame.StatusOK, f.RespStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update settings response")
	}

	c.handleRequest(sess, frame.Request(2, wire.MethodGetSettings, nil, []byte(`{}`)))
	select {
	case f := <-responses:
		assert.Equal(t, frame.StatusOK, f.RespStatus)
		assert.JSONEq(t, `{"theme":"dark"}`, string(f.Payload))
		assert.True(t, f.EndOfStream)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for get settings response")
	}
}

func TestHandleConfigSettingsNotWired(t *testing.T) {
	mux := newTestMultiplexer()
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), nil, time.Hour, discardLogger())

	sess, responses := tunnelPair(t)

	c.handleRequest(sess, frame.Request(1, wire.MethodGetSettings, nil, []byte(`{}`)))
	select {
	case f := <-responses:
		assert.Equal(t, frame.StatusError, f.RespStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error response")
	}
}

func TestHandleExchangeKeysDerivesSharedKey(t *testing.T) {
	mux := newTestMultiplexer()
	identity, err := auth.GenerateIdentity()
	require.NoError(t, err)
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), identity, time.Hour, discardLogger())

	sess, responses := tunnelPair(t)

	clientEph, err := auth.GenerateEphemeral()
	require.NoError(t, err)
	payload, err := json.Marshal(wire.KeyExchangePayload{SessionID: "s1", ClientEphemeralPub: clientEph.Public[:]})
	require.NoError(t, err)

	c.handleRequest(sess, frame.Request(7, wire.MethodExchangeKeys, nil, payload))

	var result wire.KeyExchangeResult
	select {
	case f := <-responses:
		require.Equal(t, frame.StatusOK, f.RespStatus)
		require.NoError(t, json.Unmarshal(f.Payload, &result))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for key exchange response")
	}
	assert.Equal(t, identity.Public[:], result.DaemonIdentityPub)
	require.Len(t, result.DaemonEphemeralPub, 32)

	// Both halves derive the same key: seal on the daemon side, open on
	// the client side.
	daemonCrypto := c.CryptoSession("s1")
	require.NotNil(t, daemonCrypto)

	var daemonPub [32]byte
	copy(daemonPub[:], result.DaemonEphemeralPub)
	clientKey, err := auth.DeriveSessionKey(clientEph.Private, daemonPub, []byte("s1"))
	require.NoError(t, err)
	clientCrypto, err := auth.NewCryptoSession(clientKey)
	require.NoError(t, err)

	sealed, err := daemonCrypto.Seal([]byte("over the relay, unread"), nil)
	require.NoError(t, err)
	plain, err := clientCrypto.Open(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("over the relay, unread"), plain)
}

func TestCancelFrameStopsInflightHandler(t *testing.T) {
	mux := newTestMultiplexer()
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), nil, time.Hour, discardLogger())

	hctx, done := c.registerInflight(42)
	defer done()

	handler := c.onRequest(func() *frame.Session { return nil })
	handler(frame.CancelFrame(42, "caller dropped"))

	select {
	case <-hctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel frame did not cancel the in-flight handler context")
	}
}

func TestHandleRequestUnsupportedMethod(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	mux := newTestMultiplexer()
	c := New("wss://relay.example.com", "machine-1", "box", "", mux, testSpawn(newFakeSubprocess()), nil, time.Hour, discardLogger())

	responses := make(chan *frame.Frame, 1)
	corr := frame.NewCorrelator()
	sess := frame.NewSession(a, corr, func(*frame.Frame) {}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)

	peerCorr := frame.NewCorrelator()
	peerSess := frame.NewSession(b, peerCorr, func(f *frame.Frame) {
		if f.Type == frame.TypeResponse {
			responses <- f
		}
	}, discardLogger())
	go peerSess.Run(ctx)

	c.handleRequest(sess, frame.Request(1, "Bogus/Method", nil, []byte(`{}`)))

	select {
	case f := <-responses:
		assert.Equal(t, frame.StatusError, f.RespStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unsupported-method error response")
	}
}
