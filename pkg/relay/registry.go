// Package relay implements the relay side of the tunnel: the registry
// tracking at most one live tunnel session per machine, and the router
// that forwards client requests onto a machine's tunnel or, for the
// buffered-method whitelist, into the offline message buffer when no
// tunnel is live.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tetherline/tether/pkg/audit"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/relaystore"
)

// tunnel bundles the pieces the registry needs per live machine: the
// frame.Session driving the wire protocol and the Correlator tracking
// in-flight request/response pairs on it.
type tunnel struct {
	machineID string
	session   *frame.Session
	corr      *frame.Correlator
}

// TunnelRegistry enforces "at most one tunnel session per machine_id":
// registering a second session for a machine already present evicts the
// first.
type TunnelRegistry struct {
	store  *relaystore.Store
	audit  *audit.Logger
	logger *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*tunnel
}

// NewTunnelRegistry constructs an empty registry.
func NewTunnelRegistry(store *relaystore.Store, auditLogger *audit.Logger, logger *slog.Logger) *TunnelRegistry {
	return &TunnelRegistry{
		store:   store,
		audit:   auditLogger,
		logger:  logger,
		tunnels: make(map[string]*tunnel),
	}
}

// Attach registers session as the live tunnel for machineID. If a session
// was already registered for this machine, it is evicted (closed) first:
// the most recent connection always wins.
func (r *TunnelRegistry) Attach(ctx context.Context, machineID string, session *frame.Session, corr *frame.Correlator) {
	r.mu.Lock()
	prior, evicted := r.tunnels[machineID]
	r.tunnels[machineID] = &tunnel{machineID: machineID, session: session, corr: corr}
	r.mu.Unlock()

	if evicted {
		r.logger.Info("relay: evicting prior tunnel session", "machine_id", machineID)
		prior.corr.CloseAll()
		prior.session.Send(ctx, frame.CloseFrame(4001, "superseded by new connection"))
	}
	if r.audit != nil {
		r.audit.LogTunnelAttach(ctx, machineID, evicted)
	}
	if r.store != nil {
		r.store.SetMachineStatus(ctx, machineID, relaystore.MachineOnline)
	}
}

// Detach removes the registered session for machineID, but only if
// session is still the one currently registered — a stale eviction
// callback firing after a newer Attach must not remove the newer
// session.
func (r *TunnelRegistry) Detach(ctx context.Context, machineID string, session *frame.Session) {
	r.mu.Lock()
	current, ok := r.tunnels[machineID]
	stillCurrent := ok && current.session == session
	if stillCurrent {
		delete(r.tunnels, machineID)
	}
	r.mu.Unlock()

	if !stillCurrent {
		return
	}
	if r.store != nil {
		r.store.SetMachineStatus(ctx, machineID, relaystore.MachineOffline)
	}
}

// Lookup returns the live tunnel for machineID, or (nil, false) if the
// machine has no live tunnel session.
func (r *TunnelRegistry) Lookup(machineID string) (*frame.Session, *frame.Correlator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[machineID]
	if !ok {
		return nil, nil, false
	}
	return t.session, t.corr, true
}

// Online reports whether machineID currently has a live tunnel.
func (r *TunnelRegistry) Online(machineID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tunnels[machineID]
	return ok
}

// Count returns the number of live tunnel sessions, used by diagnostics
// and the readiness surface.
func (r *TunnelRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}
