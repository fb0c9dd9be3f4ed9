package frame

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Conn is the minimal transport a Session rides on: any full-duplex byte
// stream. In production this is a coder/websocket connection adapted with
// websocket.NetConn; in tests it is an in-memory pipe.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Handler processes an inbound Request or Cancel frame that is not a
// response to something this side initiated. The daemon uses this to
// dispatch Request frames to its session multiplexer; the relay uses it
// to dispatch daemon-initiated server-push (e.g. a control request).
type Handler func(f *Frame)

const (
	writeQueueCapacity = 128
	defaultPingInterval = 15 * time.Second
	defaultPongGrace    = 45 * time.Second
)

// Session owns one tunnel's reader, writer, and supervisor tasks, three
// cooperating goroutines per tunnel session. It is symmetric: the same
// type runs on the daemon side (dialing out) and the relay side
// (accepting), differing only in who sends Register first.
type Session struct {
	conn   Conn
	logger *slog.Logger
	corr   *Correlator

	onRequest Handler
	onClose   func(reason error)

	writeCh chan *Frame

	pingInterval time.Duration
	pongGrace    time.Duration

	mu          sync.Mutex
	lastPongAt  time.Time
	closedOnce  sync.Once
	closed      chan struct{}
}

// NewSession wraps conn in a Session. onRequest is invoked synchronously
// on the reader goroutine, so it must return quickly, for every Request,
// Register and RegisterAck frame and for every Response/Cancel frame not
// claimed by a pending correlation.
func NewSession(conn Conn, corr *Correlator, onRequest Handler, logger *slog.Logger) *Session {
	return &Session{
		conn:         conn,
		logger:       logger,
		corr:         corr,
		onRequest:    onRequest,
		writeCh:      make(chan *Frame, writeQueueCapacity),
		pingInterval: defaultPingInterval,
		pongGrace:    defaultPongGrace,
		closed:       make(chan struct{}),
	}
}

// Send enqueues a frame for the writer task. It returns an error if the
// session is already closed or ctx is done before the frame is queued.
func (s *Session) Send(ctx context.Context, f *Frame) error {
	select {
	case <-s.closed:
		return fmt.Errorf("frame: tunnel session closed")
	default:
	}
	select {
	case s.writeCh <- f:
		return nil
	case <-s.closed:
		return fmt.Errorf("frame: tunnel session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the reader, writer, and supervisor tasks until ctx is
// cancelled, the connection fails, or the peer sends Close. It always
// closes the underlying connection and every pending correlation before
// returning, so codec errors are fatal to this tunnel only (never poison
// a shared registry).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.supervisorLoop(ctx) })

	// Once any task stops, close the conn so a reader blocked in Decode
	// unblocks and g.Wait can return.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	err := g.Wait()
	s.shutdown(err)
	return err
}

func (s *Session) shutdown(reason error) {
	s.closedOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.corr.CloseAll()
		if s.onClose != nil {
			s.onClose(reason)
		}
	})
}

// SetOnClose registers a callback invoked exactly once when the session
// tears down, regardless of cause. Registries use this to evict the
// session from their map (the relay's TunnelListener detaches it from the
// TunnelRegistry here; the daemon's tunnel client does not register one
// and reconnects once Run returns).
func (s *Session) SetOnClose(fn func(reason error)) { s.onClose = fn }

func (s *Session) readLoop(ctx context.Context) error {
	for {
		f, err := Decode(s.conn)
		if err != nil {
			return fmt.Errorf("frame: read: %w", err)
		}
		switch f.Type {
		case TypeResponse:
			if !s.corr.Dispatch(f) {
				if s.onRequest != nil {
					s.onRequest(f)
				} else {
					s.logger.Warn("frame: response for unknown correlation", "correlation_id", f.CorrelationID)
				}
			}
		case TypeCancel:
			if !s.corr.Dispatch(f) && s.onRequest != nil {
				s.onRequest(f)
			}
		case TypePong:
			s.mu.Lock()
			s.lastPongAt = time.Now()
			s.mu.Unlock()
		case TypePing:
			pong := PongFrame(f.Nonce)
			select {
			case s.writeCh <- pong:
			case <-ctx.Done():
				return ctx.Err()
			}
		case TypeClose:
			return fmt.Errorf("frame: peer closed: %s", f.CloseMessage)
		case TypeRequest, TypeRegister, TypeRegisterAck:
			if s.onRequest != nil {
				s.onRequest(f)
			}
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case f := <-s.writeCh:
			if err := Encode(s.conn, f); err != nil {
				return fmt.Errorf("frame: write: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) supervisorLoop(ctx context.Context) error {
	s.mu.Lock()
	s.lastPongAt = time.Now()
	s.mu.Unlock()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nonce := rand.Uint64()
			select {
			case s.writeCh <- PingFrame(nonce):
			case <-ctx.Done():
				return ctx.Err()
			}

			s.mu.Lock()
			last := s.lastPongAt
			s.mu.Unlock()
			if time.Since(last) > s.pongGrace {
				return fmt.Errorf("frame: ping timeout, no pong in %s", s.pongGrace)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
