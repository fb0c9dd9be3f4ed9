// Package tunnelclient is the daemon's half of the tunnel: it dials the
// relay, performs the Register/RegisterAck handshake, and dispatches
// inbound Request frames to the session multiplexer, reconnecting with
// pkg/reconnect's bounded backoff whenever the connection drops.
package tunnelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherline/tether/pkg/auth"
	"github.com/tetherline/tether/pkg/daemonstore"
	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/reconnect"
	"github.com/tetherline/tether/pkg/resilience"
	"github.com/tetherline/tether/pkg/session"
	"github.com/tetherline/tether/pkg/wire"
)

// Dispatcher resolves an inbound forwarded method to the session
// multiplexer operation it names. One Client serves every session the
// daemon currently owns; Dispatcher is how it finds the right one.
type Dispatcher interface {
	Session(sessionID string) *session.SessionState
	StartSession(ctx context.Context, sessionID, machineID, workingDirectory, model string, spawn session.SpawnFunc) error
	ActiveSessionCount() int
}

// SettingsProvider is the daemon-local settings document served over the
// ConfigService methods; config.SettingsFile is the production
// implementation.
type SettingsProvider interface {
	Get() (json.RawMessage, error)
	Update(doc json.RawMessage) error
	McpServers() (json.RawMessage, error)
}

// Client owns the daemon's single outbound tunnel connection.
type Client struct {
	relayURL    string
	machineID   string
	displayName string
	bearerToken string

	dispatcher        Dispatcher
	spawn             session.SpawnFunc
	identity          *auth.IdentityKeyPair
	policy            reconnect.Policy
	breaker           *resilience.CircuitBreaker
	heartbeatInterval time.Duration
	logger            *slog.Logger

	store    *daemonstore.Store
	settings SettingsProvider

	// inflight maps a correlation id to the cancel func of its handler,
	// so an inbound Cancel frame stops that handler producing responses.
	inflightMu sync.Mutex
	inflight   map[uint64]context.CancelFunc

	// crypto holds the per-session end-to-end AEAD established by
	// AgentService/ExchangeKeys; the relay never sees these keys.
	cryptoMu sync.Mutex
	crypto   map[string]*auth.Session
}

// New constructs a Client. spawn is forwarded to the multiplexer whenever
// a Converse start Request names a session it hasn't seen yet;
// ResumeSession of an unknown session fails with NotFound and spawns
// nothing. identity is the daemon's long-term key, carried in
// the Register frame so the relay can run trust-on-first-use fingerprint
// verification; nil skips that check entirely. heartbeatInterval of 0
// falls back to a 30s default.
func New(relayURL, machineID, displayName, bearerToken string, dispatcher Dispatcher, spawn session.SpawnFunc, identity *auth.IdentityKeyPair, heartbeatInterval time.Duration, logger *slog.Logger) *Client {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	c := &Client{
		relayURL:          relayURL,
		machineID:         machineID,
		displayName:       displayName,
		bearerToken:       bearerToken,
		dispatcher:        dispatcher,
		spawn:             spawn,
		identity:          identity,
		policy:            reconnect.DefaultPolicy(),
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		inflight:          make(map[uint64]context.CancelFunc),
		crypto:            make(map[string]*auth.Session),
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "tunnelclient:" + machineID,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.Warn("tunnelclient: circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	return c
}

// WithLocalServices wires the daemon-local surfaces the tunnel serves
// without touching a session: the settings document behind the
// ConfigService methods, and the session/permission tables behind
// ListSessions and GetPermissions. Either may be nil; requests for an
// unwired surface fail with FailedPrecondition.
func (c *Client) WithLocalServices(store *daemonstore.Store, settings SettingsProvider) *Client {
	c.store = store
	c.settings = settings
	return c
}

// Run dials and redials the relay until ctx is cancelled. Each successful
// connection is driven until it fails or the peer closes it, then the
// reconnect policy backs off before the next attempt.
func (c *Client) Run(ctx context.Context) error {
	return reconnect.Run(ctx, c.policy, func(attempt uint32) {
		if attempt > 0 {
			c.logger.Info("tunnelclient: reconnecting", "attempt", attempt)
		}
	}, func(ctx context.Context) error {
		return c.breaker.Execute(func() error { return c.connectOnce(ctx) })
	})
}

func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.relayURL, nil)
	if err != nil {
		return fmt.Errorf("tunnelclient: dial %s: %w", c.relayURL, err)
	}
	netConn := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	defer netConn.Close()

	var pub []byte
	if c.identity != nil {
		pub = c.identity.Public[:]
	}
	if err := frame.Encode(netConn, frame.Register(c.machineID, c.displayName, c.bearerToken, pub)); err != nil {
		return fmt.Errorf("tunnelclient: send register: %w", err)
	}
	ack, err := frame.Decode(netConn)
	if err != nil {
		return fmt.Errorf("tunnelclient: read register_ack: %w", err)
	}
	if ack.Type != frame.TypeRegisterAck || !ack.Accepted {
		return fmt.Errorf("tunnelclient: registration rejected: %s", ack.Reason)
	}
	c.logger.Info("tunnelclient: registered", "machine_id", c.machineID)

	corr := frame.NewCorrelator()
	var sess *frame.Session
	sess = frame.NewSession(netConn, corr, c.onRequest(func() *frame.Session { return sess }), c.logger)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, sess, corr)

	return sess.Run(ctx)
}

// heartbeatLoop periodically reports {machine_id, timestamp,
// active_session_count} to the relay over the same request/response
// machinery used for everything else, so Machine.last_seen stays fresh
// even when the tunnel-level ping/pong round-trip is slow or the daemon
// has no forwarded traffic at all.
func (c *Client) heartbeatLoop(ctx context.Context, sess *frame.Session, corr *frame.Correlator) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat(ctx, sess, corr)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context, sess *frame.Session, corr *frame.Correlator) {
	payload, err := json.Marshal(wire.HeartbeatPayload{
		MachineID:          c.machineID,
		Timestamp:          time.Now().Unix(),
		ActiveSessionCount: c.dispatcher.ActiveSessionCount(),
	})
	if err != nil {
		return
	}
	corrID, pending := corr.Allocate()
	defer corr.Close(corrID)
	if err := sess.Send(ctx, frame.Request(corrID, wire.MethodHeartbeat, nil, payload)); err != nil {
		c.logger.Warn("tunnelclient: heartbeat send failed", "error", err)
		return
	}
	select {
	case resp := <-pending.Frames:
		if resp.RespStatus == frame.StatusError {
			c.logger.Warn("tunnelclient: heartbeat rejected", "code", resp.ErrorCode, "message", resp.ErrorMessage)
		}
	case <-pending.Done:
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		c.logger.Warn("tunnelclient: heartbeat timed out")
	}
}

// onRequest handles every Request frame the relay forwards: it resolves
// the target session (starting one if this is the first Converse request
// for a not-yet-known session_id) and submits the payload, then replies
// with Response frames carrying each AgentEvent the multiplexer broadcasts
// back, mirroring the Converse method's per-event streaming contract.
// Cancel frames for an in-flight correlation cancel its handler's
// context, so the handler stops producing responses.
func (c *Client) onRequest(self func() *frame.Session) frame.Handler {
	return func(f *frame.Frame) {
		switch f.Type {
		case frame.TypeRequest:
			go c.handleRequest(self(), f)
		case frame.TypeCancel:
			c.cancelInflight(f.CorrelationID)
		}
	}
}

func (c *Client) registerInflight(corrID uint64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c.inflightMu.Lock()
	c.inflight[corrID] = cancel
	c.inflightMu.Unlock()
	return ctx, func() {
		cancel()
		c.inflightMu.Lock()
		delete(c.inflight, corrID)
		c.inflightMu.Unlock()
	}
}

func (c *Client) cancelInflight(corrID uint64) {
	c.inflightMu.Lock()
	cancel, ok := c.inflight[corrID]
	c.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) handleRequest(sess *frame.Session, f *frame.Frame) {
	ctx, done := c.registerInflight(f.CorrelationID)
	defer done()

	switch f.Method {
	case wire.MethodConverse:
		c.handleConverse(ctx, sess, f)
	case wire.MethodResumeSession:
		c.handleResume(ctx, sess, f)
	case wire.MethodCancelTurn:
		c.handleCancel(ctx, sess, f)
	case wire.MethodRequestInputLock:
		c.handleInputLock(ctx, sess, f)
	case wire.MethodExchangeKeys:
		c.handleExchangeKeys(ctx, sess, f)
	case wire.MethodListSessions:
		c.handleListSessions(ctx, sess, f)
	case wire.MethodGetSettings, wire.MethodUpdateSettings, wire.MethodListMcpServers, wire.MethodGetPermissions:
		c.handleConfig(ctx, sess, f)
	default:
		c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument("unsupported method "+f.Method))
	}
}

func (c *Client) handleConverse(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	var msg wire.ConverseClientMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument("malformed converse payload"))
		return
	}

	ss := c.dispatcher.Session(msg.SessionID)
	if ss == nil {
		if msg.Kind != wire.ConverseStart {
			c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("session not running"))
			return
		}
		if err := c.dispatcher.StartSession(ctx, msg.SessionID, c.machineID, "", "", c.spawn); err != nil {
			c.respondError(sess, f.CorrelationID, err)
			return
		}
		ss = c.dispatcher.Session(msg.SessionID)
	}

	clientID := fmt.Sprintf("relay-%d", f.CorrelationID)
	sub, err := ss.Attach(ctx, clientID, "relay", 0)
	if err != nil {
		c.respondError(sess, f.CorrelationID, err)
		return
	}
	defer ss.Detach(clientID)

	switch msg.Kind {
	case wire.ConverseMessage:
		if _, err := ss.RequestInputLock(clientID); err == nil {
			defer ss.ReleaseInputLock(clientID)
		}
		if err := ss.SubmitUserInput(clientID, msg.Text); err != nil {
			c.respondError(sess, f.CorrelationID, err)
			return
		}
	case wire.ConverseQuestionResponse, wire.ConversePermission:
		if err := ss.RespondToControl(msg.ControlRequestID, msg.Decision); err != nil {
			c.respondError(sess, f.CorrelationID, err)
			return
		}
	}

	c.streamEvents(ctx, sess, f.CorrelationID, sub)
}

// handleResume reattaches a client to an existing session, replaying the
// message log from the sequence it last acknowledged before streaming
// live events.
func (c *Client) handleResume(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	var msg wire.ResumeSessionPayload
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument("malformed resume payload"))
		return
	}
	ss := c.dispatcher.Session(msg.SessionID)
	if ss == nil {
		c.respondError(sess, f.CorrelationID, terr.NewNotFound("session not found"))
		return
	}
	clientID := msg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("relay-%d", f.CorrelationID)
	}
	sub, err := ss.Attach(ctx, clientID, "relay", msg.SinceSequence)
	if err != nil {
		c.respondError(sess, f.CorrelationID, err)
		return
	}
	defer ss.Detach(clientID)
	c.streamEvents(ctx, sess, f.CorrelationID, sub)
}

// handleInputLock serves explicit input-lock acquisition and release for
// an already-attached client.
func (c *Client) handleInputLock(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	var msg wire.InputLockPayload
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument("malformed input lock payload"))
		return
	}
	ss := c.dispatcher.Session(msg.SessionID)
	if ss == nil {
		c.respondError(sess, f.CorrelationID, terr.NewNotFound("session not found"))
		return
	}
	if msg.Release {
		ss.ReleaseInputLock(msg.ClientID)
		c.respondJSON(ctx, sess, f.CorrelationID, wire.InputLockResult{Granted: false})
		return
	}
	holder, err := ss.RequestInputLock(msg.ClientID)
	if err != nil {
		payload, merr := json.Marshal(wire.InputLockResult{Granted: false, Holder: holder})
		if merr == nil {
			sess.Send(ctx, &frame.Frame{
				Type:          frame.TypeResponse,
				CorrelationID: f.CorrelationID,
				RespStatus:    frame.StatusError,
				ErrorCode:     string(terr.KindOf(err)),
				ErrorMessage:  err.Error(),
				Payload:       payload,
				EndOfStream:   true,
			})
			return
		}
		c.respondError(sess, f.CorrelationID, err)
		return
	}
	c.respondJSON(ctx, sess, f.CorrelationID, wire.InputLockResult{Granted: true, Holder: holder})
}

// handleExchangeKeys runs the daemon's half of the end-to-end X25519
// exchange: generate an ephemeral keypair, derive the session key, and
// return the ephemeral and identity public keys. The derived key never
// crosses the tunnel; the relay only ever carries the public halves.
func (c *Client) handleExchangeKeys(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	if c.identity == nil {
		c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("daemon has no identity key"))
		return
	}
	var msg wire.KeyExchangePayload
	if err := json.Unmarshal(f.Payload, &msg); err != nil || len(msg.ClientEphemeralPub) != 32 {
		c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument("malformed key exchange payload"))
		return
	}
	eph, err := auth.GenerateEphemeral()
	if err != nil {
		c.respondError(sess, f.CorrelationID, terr.Wrap(err, "tunnelclient: generate ephemeral key"))
		return
	}
	var peerPub [32]byte
	copy(peerPub[:], msg.ClientEphemeralPub)
	key, err := auth.DeriveSessionKey(eph.Private, peerPub, []byte(msg.SessionID))
	if err != nil {
		c.respondError(sess, f.CorrelationID, terr.Wrap(err, "tunnelclient: derive session key"))
		return
	}
	crypto, err := auth.NewCryptoSession(key)
	if err != nil {
		c.respondError(sess, f.CorrelationID, terr.Wrap(err, "tunnelclient: create crypto session"))
		return
	}
	c.cryptoMu.Lock()
	c.crypto[msg.SessionID] = crypto
	c.cryptoMu.Unlock()

	c.respondJSON(ctx, sess, f.CorrelationID, wire.KeyExchangeResult{
		DaemonEphemeralPub: eph.Public[:],
		DaemonIdentityPub:  c.identity.Public[:],
	})
}

// CryptoSession returns the end-to-end AEAD established for sessionID,
// or nil if no exchange has run yet.
func (c *Client) CryptoSession(sessionID string) *auth.Session {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.crypto[sessionID]
}

func (c *Client) handleListSessions(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	if c.store == nil {
		c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("session store not wired"))
		return
	}
	sessions, err := c.store.ListSessionsByMachine(ctx, c.machineID)
	if err != nil {
		c.respondError(sess, f.CorrelationID, err)
		return
	}
	c.respondJSON(ctx, sess, f.CorrelationID, sessions)
}

// handleConfig serves the ConfigService methods. These are the unary
// calls the relay buffers while the daemon is offline, so they are also
// the first frames a freshly reconnected tunnel sees during drain.
func (c *Client) handleConfig(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	switch f.Method {
	case wire.MethodGetSettings:
		if c.settings == nil {
			c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("settings not wired"))
			return
		}
		doc, err := c.settings.Get()
		if err != nil {
			c.respondError(sess, f.CorrelationID, err)
			return
		}
		sess.Send(ctx, frame.ResponseOK(f.CorrelationID, doc, true))
	case wire.MethodUpdateSettings:
		if c.settings == nil {
			c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("settings not wired"))
			return
		}
		if err := c.settings.Update(f.Payload); err != nil {
			c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument(err.Error()))
			return
		}
		sess.Send(ctx, frame.ResponseOK(f.CorrelationID, []byte(`{}`), true))
	case wire.MethodListMcpServers:
		if c.settings == nil {
			c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("settings not wired"))
			return
		}
		servers, err := c.settings.McpServers()
		if err != nil {
			c.respondError(sess, f.CorrelationID, err)
			return
		}
		sess.Send(ctx, frame.ResponseOK(f.CorrelationID, servers, true))
	case wire.MethodGetPermissions:
		if c.store == nil {
			c.respondError(sess, f.CorrelationID, terr.NewFailedPrecondition("session store not wired"))
			return
		}
		var msg wire.ConverseClientMessage
		json.Unmarshal(f.Payload, &msg)
		grants, err := c.store.ListPermissionGrants(ctx, msg.SessionID)
		if err != nil {
			c.respondError(sess, f.CorrelationID, err)
			return
		}
		c.respondJSON(ctx, sess, f.CorrelationID, grants)
	}
}

func (c *Client) respondJSON(ctx context.Context, sess *frame.Session, corrID uint64, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.respondError(sess, corrID, terr.Wrap(err, "tunnelclient: marshal response"))
		return
	}
	sess.Send(ctx, frame.ResponseOK(corrID, payload, true))
}

func (c *Client) handleCancel(ctx context.Context, sess *frame.Session, f *frame.Frame) {
	var msg wire.ConverseClientMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		c.respondError(sess, f.CorrelationID, terr.NewInvalidArgument("malformed cancel payload"))
		return
	}
	ss := c.dispatcher.Session(msg.SessionID)
	if ss == nil {
		c.respondError(sess, f.CorrelationID, terr.NewNotFound("session not found"))
		return
	}
	if err := ss.CancelSession(ctx, msg.Reason); err != nil {
		c.respondError(sess, f.CorrelationID, err)
		return
	}
	sess.Send(ctx, frame.ResponseOK(f.CorrelationID, []byte(`{}`), true))
}

// streamEvents relays every event the multiplexer broadcasts to this
// client subscription back over the tunnel as Response frames, until the
// subscription is closed (explicit detach, lag eviction, or the session
// terminating) or the relay cancels the correlation.
func (c *Client) streamEvents(ctx context.Context, sess *frame.Session, corrID uint64, sub *session.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			endOfStream := ev.Kind == wire.EventSessionResult
			sess.Send(ctx, frame.ResponseOK(corrID, payload, endOfStream))
			if endOfStream {
				return
			}
		case reason, ok := <-sub.Closed:
			if !ok {
				return
			}
			c.respondError(sess, corrID, terr.NewUnavailable(fmt.Sprintf("session stream closed: %s", reason)))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) respondError(sess *frame.Session, corrID uint64, err error) {
	kind := terr.KindOf(err)
	sess.Send(context.Background(), frame.ResponseError(corrID, string(kind), err.Error()))
}
