package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/wire"
)

// converseUpgrader uses a permissive-origin local-dev upgrader shape; a
// production deployment terminates TLS and same-site checks at the
// reverse proxy in front of the relay.
var converseUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ConverseHandler serves the bidirectional client<->relay streaming
// endpoint: the client's first frame starts or resumes a session, and
// every subsequent frame (message, permission decision, cancel) is
// forwarded to the same machine as its own Router.Forward call while the
// initial call's response stream is relayed back as typed AgentEvent
// deltas.
type ConverseHandler struct {
	router *Router
	logger *slog.Logger
}

// NewConverseHandler constructs a ConverseHandler.
func NewConverseHandler(router *Router, logger *slog.Logger) *ConverseHandler {
	return &ConverseHandler{router: router, logger: logger}
}

func (h *ConverseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	machineID := r.Header.Get("x-machine-id")
	if machineID == "" {
		http.Error(w, "missing x-machine-id header", http.StatusBadRequest)
		return
	}

	conn, err := converseUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay: converse upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var start wire.ConverseClientMessage
	if err := conn.ReadJSON(&start); err != nil {
		h.logger.Warn("relay: converse read start message failed", "error", err)
		return
	}
	if start.Kind != wire.ConverseStart {
		conn.WriteJSON(map[string]string{"error": "first message must be kind=start"})
		return
	}

	payload, err := json.Marshal(start)
	if err != nil {
		h.logger.Error("relay: marshal converse start", "error", err)
		return
	}
	stream, err := h.router.Forward(ctx, userID, machineID, wire.MethodConverse, nil, payload)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}

	go h.pumpClientMessages(ctx, conn, userID, machineID)
	h.pumpServerEvents(ctx, conn, stream)
}

// pumpClientMessages reads every subsequent client message (message,
// permission, cancel) and forwards each independently; their
// acknowledgements are not surfaced back onto the Converse stream, which
// only ever carries AgentEvent deltas to the client.
func (h *ConverseHandler) pumpClientMessages(ctx context.Context, conn *websocket.Conn, userID, machineID string) {
	for {
		var msg wire.ConverseClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		method, ok := forwardMethodFor(msg.Kind)
		if !ok {
			continue
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		stream, err := h.router.Forward(fctx, userID, machineID, method, nil, payload)
		if err != nil {
			cancel()
			continue
		}
		go func() {
			defer cancel()
			for range stream.Chunks {
			}
		}()
	}
}

func forwardMethodFor(kind wire.ConverseClientKind) (string, bool) {
	switch kind {
	case wire.ConverseMessage, wire.ConverseQuestionResponse, wire.ConversePermission:
		return wire.MethodConverse, true
	case wire.ConverseCancel:
		return wire.MethodCancelTurn, true
	default:
		return "", false
	}
}

func (h *ConverseHandler) pumpServerEvents(ctx context.Context, conn *websocket.Conn, stream *ResponseStream) {
	for {
		select {
		case chunk, ok := <-stream.Chunks:
			if !ok {
				return
			}
			if chunk.Err != nil {
				conn.WriteJSON(map[string]string{"error": errMessage(chunk.Err)})
				return
			}
			var ev wire.AgentEvent
			if err := json.Unmarshal(chunk.Payload, &ev); err != nil {
				h.logger.Warn("relay: converse chunk not an AgentEvent", "error", err)
				continue
			}
			if err := conn.WriteJSON(wire.ConverseServerMessage{Event: &ev}); err != nil {
				return
			}
			if chunk.EndOfStream {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func errMessage(err error) string {
	if e, ok := terr.As(err); ok {
		return e.Message
	}
	return err.Error()
}
