package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherline/tether/pkg/audit"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/wire"
)

func TestForwardMethodFor(t *testing.T) {
	method, ok := forwardMethodFor(wire.ConverseMessage)
	assert.True(t, ok)
	assert.Equal(t, wire.MethodConverse, method)

	method, ok = forwardMethodFor(wire.ConversePermission)
	assert.True(t, ok)
	assert.Equal(t, wire.MethodConverse, method, "a permission decision rides the converse method, answered first-writer-wins")

	method, ok = forwardMethodFor(wire.ConverseCancel)
	assert.True(t, ok)
	assert.Equal(t, wire.MethodCancelTurn, method)

	_, ok = forwardMethodFor(wire.ConverseStart)
	assert.False(t, ok, "start is only ever the handshake's first message, never a subsequent forward")
}

func TestConverseRequiresMachineIDHeader(t *testing.T) {
	store := testRegistryStore(t)
	reg := NewTunnelRegistry(store, audit.NewLogger(audit.NewFileStore(t.TempDir())), testLogger())
	router := NewRouter(reg, store, audit.NewLogger(audit.NewFileStore(t.TempDir())), 0, 0)
	h := NewConverseHandler(router, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConverseStreamsAgentEvents(t *testing.T) {
	store := testRegistryStore(t)
	seedOwnedMachine(t, store, "owner", "m1")
	auditLogger := audit.NewLogger(audit.NewFileStore(t.TempDir()))
	reg := NewTunnelRegistry(store, auditLogger, testLogger())
	router := NewRouter(reg, store, auditLogger, 0, 0)
	h := NewConverseHandler(router, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/converse", func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKeyUserID, "owner")
		r = r.WithContext(ctx)
		r.Header.Set("x-machine-id", "m1")
		h.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	relaySide, daemonSide := net.Pipe()
	t.Cleanup(func() { relaySide.Close(); daemonSide.Close() })

	daemonCorr := frame.NewCorrelator()
	var daemonSess *frame.Session
	daemonSess = frame.NewSession(daemonSide, daemonCorr, func(f *frame.Frame) {
		if f.Type != frame.TypeRequest {
			return
		}
		ev := wire.AgentEvent{Kind: wire.EventSessionResult}
		payload, _ := json.Marshal(ev)
		daemonSess.Send(context.Background(), frame.ResponseOK(f.CorrelationID, payload, true))
	}, testLogger())

	relayCorr := frame.NewCorrelator()
	relaySess := frame.NewSession(relaySide, relayCorr, func(*frame.Frame) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relaySess.Run(ctx)
	go daemonSess.Run(ctx)
	reg.Attach(ctx, "m1", relaySess, relayCorr)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/converse"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.ConverseClientMessage{Kind: wire.ConverseStart, SessionID: "sess-1"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wire.ConverseServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Event)
	assert.Equal(t, wire.EventSessionResult, msg.Event.Kind)
}
