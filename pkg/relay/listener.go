package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherline/tether/pkg/audit"
	"github.com/tetherline/tether/pkg/auth"
	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/fingerprint"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/relaystore"
	"github.com/tetherline/tether/pkg/wire"
)

// TunnelListener accepts the daemon-facing side of the tunnel: one
// websocket upgrade per daemon, a Register/RegisterAck handshake, then a
// frame.Session for the life of the connection (coder/websocket.Accept,
// explicit registration message before the tunnel is considered live).
type TunnelListener struct {
	registry *TunnelRegistry
	router   *Router
	store    *relaystore.Store
	tokens   *auth.Service
	audit    *audit.Logger
	logger   *slog.Logger
}

// NewTunnelListener constructs a TunnelListener.
func NewTunnelListener(registry *TunnelRegistry, router *Router, store *relaystore.Store, tokens *auth.Service, auditLogger *audit.Logger, logger *slog.Logger) *TunnelListener {
	return &TunnelListener{registry: registry, router: router, store: store, tokens: tokens, audit: auditLogger, logger: logger}
}

// ServeHTTP upgrades the request to a websocket, performs the
// register/register_ack handshake, and then drives the tunnel session
// until the daemon disconnects.
func (l *TunnelListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		l.logger.Error("relay: websocket accept failed", "error", err)
		return
	}

	netConn := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	defer netConn.Close()

	reg, err := frame.Decode(netConn)
	if err != nil {
		l.logger.Warn("relay: failed to read register frame", "error", err)
		return
	}
	if reg.Type != frame.TypeRegister {
		frame.Encode(netConn, frame.RegisterAck(false, "expected register frame first", time.Now().Unix()))
		return
	}

	machine, err := l.authenticate(ctx, reg)
	if err != nil {
		l.logger.Warn("relay: tunnel registration rejected", "machine_id", reg.MachineID, "error", err)
		frame.Encode(netConn, frame.RegisterAck(false, err.Error(), time.Now().Unix()))
		return
	}

	if err := frame.Encode(netConn, frame.RegisterAck(true, "", time.Now().Unix())); err != nil {
		l.logger.Warn("relay: failed to send register_ack", "error", err)
		return
	}

	corr := frame.NewCorrelator()
	var session *frame.Session
	session = frame.NewSession(netConn, corr, l.onDaemonPush(machine.MachineID, func(f *frame.Frame) {
		session.Send(ctx, f)
	}), l.logger)

	l.registry.Attach(ctx, machine.MachineID, session, corr)
	session.SetOnClose(func(reason error) {
		l.registry.Detach(context.Background(), machine.MachineID, session)
	})

	go func() {
		if _, err := l.router.DrainBuffered(ctx, machine.MachineID); err != nil {
			l.logger.Warn("relay: drain buffer failed", "machine_id", machine.MachineID, "error", err)
		}
	}()

	if err := session.Run(ctx); err != nil {
		l.logger.Info("relay: tunnel session ended", "machine_id", machine.MachineID, "reason", err)
	}
}

// onDaemonPush handles any frame the daemon sends that isn't a Response
// dispatched through the Correlator. The only daemon-initiated Request the
// protocol defines is Tunnel/Heartbeat, answered locally via reply without
// ever reaching the router; anything else is unexpected daemon-initiated
// traffic and only logged.
func (l *TunnelListener) onDaemonPush(machineID string, reply func(*frame.Frame)) frame.Handler {
	return func(f *frame.Frame) {
		if f.Type == frame.TypeRequest && f.Method == wire.MethodHeartbeat {
			ctx := context.Background()
			if err := l.router.Heartbeat(ctx, machineID); err != nil {
				l.logger.Warn("relay: heartbeat failed", "machine_id", machineID, "error", err)
				reply(frame.ResponseError(f.CorrelationID, "internal", err.Error()))
				return
			}
			reply(frame.ResponseOK(f.CorrelationID, nil, true))
			return
		}
		l.logger.Warn("relay: unexpected daemon-initiated frame", "machine_id", machineID, "type", f.Type)
	}
}

func (l *TunnelListener) authenticate(ctx context.Context, reg *frame.Frame) (*relaystore.Machine, error) {
	if reg.MachineID == "" {
		return nil, fmt.Errorf("missing machine_id")
	}
	claims, err := l.tokens.Verify(ctx, reg.BearerToken, "access")
	if err != nil {
		return nil, fmt.Errorf("invalid bearer token")
	}
	machine, err := l.store.GetMachine(ctx, reg.MachineID)
	if err != nil {
		return nil, fmt.Errorf("unknown machine")
	}
	if machine.OwnerUserID != claims.Sub {
		return nil, fmt.Errorf("token does not own this machine")
	}
	if len(reg.PublicKey) > 0 {
		if err := l.verifyFingerprint(ctx, reg.MachineID, reg.PublicKey); err != nil {
			return nil, err
		}
	}
	return machine, nil
}

// verifyFingerprint runs trust-on-first-use verification of the daemon's
// identity key against the fingerprint recorded on first contact,
// rejecting the tunnel outright on a mismatch rather than silently
// trusting a possibly-impersonating peer.
func (l *TunnelListener) verifyFingerprint(ctx context.Context, machineID string, publicKey []byte) error {
	fp := fingerprint.Of(publicKey)
	_, getErr := l.store.GetFingerprint(ctx, machineID)
	firstSeen := terr.Is(getErr, terr.NotFound)

	err := l.store.CheckFingerprint(ctx, machineID, fp)
	var mismatch *fingerprint.Mismatch
	if errors.As(err, &mismatch) {
		if l.audit != nil {
			l.audit.LogFingerprintMismatch(ctx, machineID, fingerprint.Hex(mismatch.Old), fingerprint.Hex(mismatch.New))
		}
		return fmt.Errorf("fingerprint mismatch: %w", err)
	}
	if err != nil {
		return fmt.Errorf("fingerprint check failed: %w", err)
	}
	if firstSeen && l.audit != nil {
		l.audit.LogFingerprintTOFU(ctx, machineID, fingerprint.Hex(fp))
	}
	return nil
}
