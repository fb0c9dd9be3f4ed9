// Package session implements the daemon-side session multiplexer: it
// owns the assistant subprocess for each session, fans its event stream
// out to every attached client, enforces the single-writer input lock,
// and persists the message log ahead of broadcast.
//
// Each SessionState is a single-writer actor: every mutation (attach,
// detach, input submission, control response, lifecycle transition)
// runs on that session's own goroutine, never concurrently with another
// mutation of the same session. The multiplexer never holds a direct
// handle into subprocess internals, and the subprocess never calls back
// into the multiplexer; they only exchange bytes over stdin/stdout.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/tetherline/tether/pkg/daemonstore"
	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/ndjson"
	"github.com/tetherline/tether/pkg/wire"
)

// Lifecycle is the subprocess lifecycle state machine: Spawning ->
// Running -> Cancelling -> Exited. Unexpected exit from Running also
// lands on Exited; re-entering Running requires a fresh StartSession
// call.
type Lifecycle int

const (
	Spawning Lifecycle = iota
	Running
	Cancelling
	Exited
)

func (l Lifecycle) String() string {
	switch l {
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// DetachReason distinguishes why a client's subscription ended, so the
// consumer can decide whether to reattach with a resume-from-sequence.
type DetachReason string

const (
	DetachExplicit    DetachReason = "explicit"
	DetachLagged      DetachReason = "lagged"
	DetachSessionGone DetachReason = "session_terminated"
)

// Store is the persistence surface the multiplexer needs from
// pkg/daemonstore: create/update session rows and append the message log
// ahead of broadcast.
type Store interface {
	CreateSession(ctx context.Context, sess *daemonstore.Session) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	AppendMessage(ctx context.Context, sessionID string, sequence uint64, kind string, payload []byte) error
	ListMessagesSince(ctx context.Context, sessionID string, afterSequence uint64) ([]daemonstore.MessageEntry, error)
}

// SpawnFunc constructs the Subprocess for a session; supplied by the
// caller (the daemon's command-line wiring) so this package stays
// independent of how the assistant binary is located and launched.
type SpawnFunc func(ctx context.Context, sessionID, workingDirectory, model string) (Subprocess, error)

const (
	// DefaultMaxClients matches config.Daemon.MaxClientsPerSession's
	// default of 5.
	DefaultMaxClients = 5
	// DefaultBroadcastCapacity matches the default broadcast_capacity.
	DefaultBroadcastCapacity = 256

	cancelGracePeriod = 5 * time.Second
	killGracePeriod   = 5 * time.Second
)

// clientSub is one attached client's view of a session.
type clientSub struct {
	id         string
	clientType string
	events     chan wire.AgentEvent
	closed     chan DetachReason
	lastSeq    uint64
	heartbeat  time.Time
}

type actorCmd struct {
	fn   func()
	done chan struct{}
}

// SessionState is one live session: its subprocess, its attached
// clients, its input lock, and its monotonic sequence counter.
type SessionState struct {
	sessionID        string
	machineID        string
	workingDirectory string
	model            string

	store  Store
	spawn  SpawnFunc
	logger *slog.Logger

	maxClients        int
	broadcastCapacity int

	cmdCh chan actorCmd

	mu sync.RWMutex // guards only fields read by non-actor callers (e.g. Lifecycle for diagnostics)

	lifecycle Lifecycle
	proc      Subprocess
	cancel    context.CancelFunc

	clients         map[string]*clientSub
	inputLockHolder string

	// answeredControl tracks control_request ids already decided,
	// first-writer-wins.
	answeredControl map[string]bool

	seq *ndjson.Sequencer
}

// Multiplexer owns every live SessionState, keyed by session id. It is
// a process-wide registry constructed once at daemon startup.
type Multiplexer struct {
	store  Store
	logger *slog.Logger

	maxClients        int
	broadcastCapacity int

	mu       sync.Mutex
	sessions map[string]*SessionState
}

// New constructs an empty Multiplexer. maxClients and broadcastCapacity
// of 0 fall back to DefaultMaxClients and DefaultBroadcastCapacity.
func New(store Store, logger *slog.Logger, maxClients, broadcastCapacity int) *Multiplexer {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if broadcastCapacity <= 0 {
		broadcastCapacity = DefaultBroadcastCapacity
	}
	return &Multiplexer{
		store:             store,
		logger:            logger,
		maxClients:        maxClients,
		broadcastCapacity: broadcastCapacity,
		sessions:          make(map[string]*SessionState),
	}
}

// SetLimits updates maxClients and broadcastCapacity for every session
// started after the call; sessions already running keep the limits they
// started with. Lets a config reload take effect without a restart.
func (m *Multiplexer) SetLimits(maxClients, broadcastCapacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxClients > 0 {
		m.maxClients = maxClients
	}
	if broadcastCapacity > 0 {
		m.broadcastCapacity = broadcastCapacity
	}
}

// StartSession creates (or restarts, if previously Exited) the session
// with sessionID and spawns its subprocess. Attached clients, if any,
// survive a restart — only the subprocess and its lifecycle state reset;
// the sequence counter carries on from where the previous run stopped.
func (m *Multiplexer) StartSession(ctx context.Context, sessionID, machineID, workingDirectory, model string, spawn SpawnFunc) error {
	m.mu.Lock()
	ss, exists := m.sessions[sessionID]
	if !exists {
		ss = &SessionState{
			sessionID:         sessionID,
			machineID:         machineID,
			workingDirectory:  workingDirectory,
			model:             model,
			store:             m.store,
			logger:            m.logger,
			maxClients:        m.maxClients,
			broadcastCapacity: m.broadcastCapacity,
			cmdCh:             make(chan actorCmd, 32),
			clients:           make(map[string]*clientSub),
			answeredControl:   make(map[string]bool),
			seq:               &ndjson.Sequencer{},
		}
		m.sessions[sessionID] = ss
		go ss.actorLoop()
	}
	ss.spawn = spawn
	m.mu.Unlock()

	if !exists {
		if err := m.store.CreateSession(ctx, &daemonstore.Session{
			SessionID:        sessionID,
			MachineID:        machineID,
			WorkingDirectory: workingDirectory,
			Model:            model,
			Status:           "spawning",
			UsageTotals:      map[string]any{},
		}); err != nil {
			return err
		}
	}

	return ss.start(ctx)
}

// Session returns the SessionState for sessionID, or nil if unknown.
func (m *Multiplexer) Session(sessionID string) *SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// ActiveSessionCount returns the number of sessions currently tracked,
// regardless of their running/exited state. Reported to the relay in the
// periodic Tunnel/Heartbeat so a machine's last-seen can stay fresh
// independently of tunnel-level ping/pong.
func (m *Multiplexer) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (ss *SessionState) actorLoop() {
	for cmd := range ss.cmdCh {
		cmd.fn()
		close(cmd.done)
	}
}

// exec runs fn on the session's single-writer actor goroutine and blocks
// until it completes.
func (ss *SessionState) exec(fn func()) {
	done := make(chan struct{})
	ss.cmdCh <- actorCmd{fn: fn, done: done}
	<-done
}

func (ss *SessionState) setLifecycle(l Lifecycle) {
	ss.mu.Lock()
	ss.lifecycle = l
	ss.mu.Unlock()
}

// Lifecycle reports the subprocess's current state. Safe for concurrent
// callers; it does not go through the actor since it is a point-in-time
// read with no side effect.
func (ss *SessionState) Lifecycle() Lifecycle {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.lifecycle
}

func (ss *SessionState) start(ctx context.Context) error {
	ss.setLifecycle(Spawning)

	proc, err := ss.spawn(ctx, ss.sessionID, ss.workingDirectory, ss.model)
	if err != nil {
		ss.setLifecycle(Exited)
		return terr.Wrap(err, "session: spawn subprocess")
	}

	procCtx, cancel := context.WithCancel(ctx)
	if err := proc.Start(procCtx); err != nil {
		cancel()
		ss.setLifecycle(Exited)
		return terr.Wrap(err, "session: start subprocess")
	}

	ss.exec(func() {
		ss.proc = proc
		ss.cancel = cancel
	})
	ss.setLifecycle(Running)
	ss.store.UpdateSessionStatus(ctx, ss.sessionID, "active")

	go ss.pump(ctx, proc)
	go func() {
		err := proc.Wait()
		ss.exec(func() {
			if ss.Lifecycle() != Cancelling {
				ss.logger.Warn("session: subprocess exited unexpectedly", "session_id", ss.sessionID, "error", err)
			}
			ss.setLifecycle(Exited)
		})
		status := "completed"
		if err != nil {
			status = "error"
		}
		ss.store.UpdateSessionStatus(context.Background(), ss.sessionID, status)
	}()

	return nil
}

// pump reads the subprocess's NDJSON stdout and delivers each event to
// the actor, which persists it before broadcasting.
func (ss *SessionState) pump(ctx context.Context, proc Subprocess) {
	reader := bufio.NewReaderSize(proc.Stdout(), 64*1024)
	_ = ndjson.Pump(reader, ss.seq, func(ev wire.AgentEvent) {
		ss.exec(func() { ss.deliverLocked(ctx, ev) })
	})
}

func (ss *SessionState) deliverLocked(ctx context.Context, ev wire.AgentEvent) {
	payload, _ := json.Marshal(ev)
	if err := ss.store.AppendMessage(ctx, ss.sessionID, ev.Sequence, string(ev.Kind), payload); err != nil {
		ss.logger.Error("session: append message log", "session_id", ss.sessionID, "error", err)
	}
	for id, c := range ss.clients {
		select {
		case c.events <- ev:
			c.lastSeq = ev.Sequence
		default:
			// Lagged subscriber policy: forcibly detach rather than
			// buffer unboundedly. The client's own reattach-with-resume
			// path (Attach's replay-since-sequence) recovers it.
			ss.detachLocked(id, DetachLagged)
		}
	}
}

// ErrTooManyClients/ErrClientAlreadyConnected/ErrNotInputHolder name the
// specific conditions. Attach and SubmitUserInput return classified
// errors that do not wrap these values, so errors.Is does not match them;
// callers branch on the classified error kind.
var (
	ErrTooManyClients         = fmt.Errorf("session: too many clients")
	ErrClientAlreadyConnected = fmt.Errorf("session: client already connected")
	ErrNotInputHolder         = fmt.Errorf("session: not input lock holder")
)

// Subscription is what Attach hands back: the client's event channel and
// a channel closed exactly once, with the reason, when the client is
// detached (explicitly or by the lagged policy).
type Subscription struct {
	Events <-chan wire.AgentEvent
	Closed <-chan DetachReason
}

// Attach registers clientID on the session. sinceSeq > 0 replays the
// message log from storage for a reattaching client, queued ahead of any
// live events so the client observes an unbroken sequence; 0 means "no
// replay, start from whatever arrives next".
func (ss *SessionState) Attach(ctx context.Context, clientID, clientType string, sinceSeq uint64) (*Subscription, error) {
	var sub *Subscription
	var outErr error
	ss.exec(func() {
		if _, ok := ss.clients[clientID]; ok {
			outErr = terr.NewAlreadyExists("client already connected")
			return
		}
		if len(ss.clients) >= ss.maxClients {
			outErr = terr.NewFailedPrecondition("too many clients attached to session")
			return
		}
		c := &clientSub{
			id:         clientID,
			clientType: clientType,
			events:     make(chan wire.AgentEvent, ss.broadcastCapacity),
			closed:     make(chan DetachReason, 1),
			lastSeq:    sinceSeq,
			heartbeat:  time.Now(),
		}
		if sinceSeq > 0 {
			// Replay runs inside the actor, so no live event can interleave
			// with the replayed prefix. The log write committed before each
			// event was ever broadcast, so the replay can't have gaps.
			entries, err := ss.store.ListMessagesSince(ctx, ss.sessionID, sinceSeq)
			if err != nil {
				outErr = terr.Wrap(err, "session: replay message log")
				return
			}
			if len(entries) > ss.broadcastCapacity {
				outErr = terr.NewFailedPrecondition("replay window exceeds broadcast capacity, reattach from a later sequence")
				return
			}
			for _, e := range entries {
				var ev wire.AgentEvent
				if err := json.Unmarshal(e.Payload, &ev); err != nil {
					continue
				}
				c.events <- ev
				c.lastSeq = ev.Sequence
			}
		}
		ss.clients[clientID] = c
		sub = &Subscription{Events: c.events, Closed: c.closed}
	})
	return sub, outErr
}

// Detach removes clientID from the session, releasing the input lock if
// it held it. The session itself remains resident: detaching every
// client does not tear down the subprocess (that is cancel_session's
// job).
func (ss *SessionState) Detach(clientID string) {
	ss.exec(func() {
		ss.detachLocked(clientID, DetachExplicit)
	})
}

func (ss *SessionState) detachLocked(clientID string, reason DetachReason) {
	c, ok := ss.clients[clientID]
	if !ok {
		return
	}
	delete(ss.clients, clientID)
	if ss.inputLockHolder == clientID {
		ss.inputLockHolder = ""
	}
	select {
	case c.closed <- reason:
	default:
	}
	close(c.closed)
	close(c.events)
}

// RequestInputLock grants the input lock to clientID if unheld, otherwise
// fails and reports the current holder. Acquisition is always explicit;
// the server never silently transfers the lock.
func (ss *SessionState) RequestInputLock(clientID string) (holder string, err error) {
	ss.exec(func() {
		if ss.inputLockHolder != "" && ss.inputLockHolder != clientID {
			holder = ss.inputLockHolder
			err = terr.NewFailedPrecondition(fmt.Sprintf("input lock held by %s", holder))
			return
		}
		if _, attached := ss.clients[clientID]; !attached {
			err = terr.NewFailedPrecondition("client not attached to session")
			return
		}
		ss.inputLockHolder = clientID
		holder = clientID
	})
	return holder, err
}

// ReleaseInputLock releases the lock if clientID currently holds it; a
// no-op otherwise.
func (ss *SessionState) ReleaseInputLock(clientID string) {
	ss.exec(func() {
		if ss.inputLockHolder == clientID {
			ss.inputLockHolder = ""
		}
	})
}

// SubmitUserInput forwards text to the subprocess's stdin as an
// assistant-protocol user message, provided clientID currently holds the
// input lock.
func (ss *SessionState) SubmitUserInput(clientID, text string) error {
	var outErr error
	var stdinErr error
	ss.exec(func() {
		if ss.inputLockHolder != clientID {
			outErr = terr.NewFailedPrecondition("not input lock holder")
			return
		}
		if ss.proc == nil || ss.Lifecycle() != Running {
			outErr = terr.NewFailedPrecondition("session not running")
			return
		}
		line, _ := json.Marshal(map[string]string{"type": "user", "text": text})
		line = append(line, '\n')
		_, stdinErr = ss.proc.Stdin().Write(line)
	})
	if outErr != nil {
		return outErr
	}
	if stdinErr != nil {
		return terr.Wrap(stdinErr, "session: write stdin")
	}
	return nil
}

// RespondToControl forwards a tool-permission decision to the subprocess.
// No lock is required; decisions are first-writer-wins — a second
// response to the same request_id is a no-op that returns nil.
func (ss *SessionState) RespondToControl(requestID, decision string) error {
	var stdinErr error
	var skip bool
	ss.exec(func() {
		if ss.answeredControl[requestID] {
			skip = true
			return
		}
		ss.answeredControl[requestID] = true
		if ss.proc == nil {
			return
		}
		line, _ := json.Marshal(map[string]string{
			"type":              "control_response",
			"control_request_id": requestID,
			"decision":          decision,
		})
		line = append(line, '\n')
		_, stdinErr = ss.proc.Stdin().Write(line)
	})
	if skip || stdinErr == nil {
		return nil
	}
	return terr.Wrap(stdinErr, "session: write control response")
}

// CancelSession asks the subprocess to stop, escalating to SIGTERM and
// then SIGKILL if it does not settle within the grace periods.
func (ss *SessionState) CancelSession(ctx context.Context, reason string) error {
	var proc Subprocess
	ss.exec(func() {
		if ss.Lifecycle() == Exited {
			return
		}
		ss.setLifecycle(Cancelling)
		proc = ss.proc
		if proc != nil {
			line, _ := json.Marshal(map[string]string{"type": "cancel", "reason": reason})
			line = append(line, '\n')
			proc.Stdin().Write(line)
		}
	})
	if proc == nil {
		return nil
	}

	if waitFor(ss, cancelGracePeriod) {
		return nil
	}
	proc.Signal(syscall.SIGTERM)
	if waitFor(ss, killGracePeriod) {
		return nil
	}
	proc.Signal(syscall.SIGKILL)
	return nil
}

// waitFor polls (briefly) for the session to reach Exited within d,
// avoiding a dedicated done-channel plumbed through every call site.
func waitFor(ss *SessionState, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if ss.Lifecycle() == Exited {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return ss.Lifecycle() == Exited
}
