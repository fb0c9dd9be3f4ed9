package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tetherline/tether/pkg/audit"
	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/relaystore"
	"github.com/tetherline/tether/pkg/resilience"
	"github.com/tetherline/tether/pkg/wire"
)

// DefaultBufferTTL and DefaultMaxBufferedPerMachine mirror
// config.Relay's BufferDefaultTTL / MaxBufferedPerMach defaults, used
// when the router is constructed without overriding them.
const (
	DefaultBufferTTL            = 24 * time.Hour
	DefaultMaxBufferedPerMachine = 1000

	// forwardRatePerSecond/forwardBurst bound how fast the whole relay
	// accepts forwarded calls; maxConcurrentForwards bounds how many
	// response streams may be in flight at once. Excess returns
	// Unavailable so clients back off rather than pile up.
	forwardRatePerSecond  = 200
	forwardBurst          = 400
	maxConcurrentForwards = 256
)

// Chunk is one delivered piece of a forwarded call's response stream.
// EndOfStream marks the final chunk; Err is set only on the final chunk
// of a failed call.
type Chunk struct {
	Payload     []byte
	Err         error
	EndOfStream bool
}

// ResponseStream is what Forward hands back to the client-facing API
// layer: a channel of Chunks in arrival order, terminated by exactly one
// chunk with EndOfStream set.
type ResponseStream struct {
	Chunks <-chan Chunk
}

// Router implements the forward(machine_id, method, metadata, payload)
// operation: ownership check, tunnel lookup, correlation id allocation,
// and the offline-buffering fallback for whitelisted methods.
type Router struct {
	registry *TunnelRegistry
	store    *relaystore.Store
	audit    *audit.Logger

	bufferTTL     time.Duration
	maxBuffered   int

	limiter *resilience.RateLimiter
	flights *resilience.Bulkhead
}

// NewRouter constructs a Router. bufferTTL/maxBuffered of zero fall back
// to the package defaults.
func NewRouter(registry *TunnelRegistry, store *relaystore.Store, auditLogger *audit.Logger, bufferTTL time.Duration, maxBuffered int) *Router {
	if bufferTTL <= 0 {
		bufferTTL = DefaultBufferTTL
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBufferedPerMachine
	}
	return &Router{
		registry:    registry,
		store:       store,
		audit:       auditLogger,
		bufferTTL:   bufferTTL,
		maxBuffered: maxBuffered,
		limiter:     resilience.NewRateLimiter(forwardRatePerSecond, forwardBurst),
		flights:     resilience.NewBulkhead(maxConcurrentForwards),
	}
}

// Forward implements the core relay operation: verify userID owns
// machineID, then either forward method onto the machine's live tunnel
// or, if offline and method is in the buffered-method whitelist, persist
// it for delivery on reconnect.
func (r *Router) Forward(ctx context.Context, userID, machineID, method string, metadata map[string]string, payload []byte) (*ResponseStream, error) {
	if !r.limiter.Allow() {
		return nil, terr.NewUnavailable("forward rate limit exceeded")
	}
	machine, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if machine.OwnerUserID != userID {
		if r.audit != nil {
			r.audit.LogOwnershipDenied(ctx, userID, machineID, method)
		}
		return nil, terr.NewPermissionDenied("machine not owned by caller")
	}

	session, corr, online := r.registry.Lookup(machineID)
	if !online {
		return r.forwardOffline(ctx, machineID, method, metadata, payload)
	}
	return r.forwardLive(ctx, session, corr, method, metadata, payload)
}

func (r *Router) forwardOffline(ctx context.Context, machineID, method string, metadata map[string]string, payload []byte) (*ResponseStream, error) {
	if !wire.IsBuffered(method) {
		return nil, terr.NewUnavailable("machine is offline and " + method + " cannot be buffered")
	}
	requestID := uuid.NewString()
	if _, err := r.store.BufferMessage(ctx, machineID, requestID, method, payload, metadata, 0, r.bufferTTL, r.maxBuffered); err != nil {
		return nil, err
	}
	ch := make(chan Chunk, 1)
	ch <- Chunk{Payload: []byte(`{"buffered":true}`), EndOfStream: true}
	close(ch)
	return &ResponseStream{Chunks: ch}, nil
}

func (r *Router) forwardLive(ctx context.Context, session *frame.Session, corr *frame.Correlator, method string, metadata map[string]string, payload []byte) (*ResponseStream, error) {
	if !r.flights.TryAcquire() {
		return nil, terr.NewUnavailable("too many concurrent forwarded calls")
	}
	corrID, pending := corr.Allocate()
	if err := session.Send(ctx, frame.Request(corrID, method, metadata, payload)); err != nil {
		corr.Close(corrID)
		r.flights.Release()
		return nil, terr.NewUnavailable("tunnel closed before request could be sent")
	}

	out := make(chan Chunk, 8)
	go r.pump(ctx, session, corr, corrID, pending, out)
	return &ResponseStream{Chunks: out}, nil
}

// pump translates raw Response frames for one correlation into Chunks,
// closing the correlation's slot (state machine transition to Closed)
// once a terminal frame arrives or ctx is cancelled. A dropped or
// timed-out caller propagates a Cancel frame to the daemon so it stops
// producing responses for this correlation.
func (r *Router) pump(ctx context.Context, session *frame.Session, corr *frame.Correlator, corrID uint64, pending *frame.Pending, out chan<- Chunk) {
	defer close(out)
	defer corr.Close(corrID)
	defer r.flights.Release()

	for {
		select {
		case f := <-pending.Frames:
			if emitChunk(f, out) {
				return
			}
		case <-pending.Done:
			// Tunnel teardown freed the slot; hand over anything already
			// queued before reporting the break.
			for {
				select {
				case f := <-pending.Frames:
					if emitChunk(f, out) {
						return
					}
				default:
					out <- Chunk{Err: terr.NewUnavailable("tunnel closed mid-stream"), EndOfStream: true}
					return
				}
			}
		case <-ctx.Done():
			reason := "caller cancelled"
			final := Chunk{Err: terr.NewCancelled("caller cancelled"), EndOfStream: true}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = "deadline exceeded"
				final = Chunk{Err: terr.NewDeadlineExceeded("call timed out"), EndOfStream: true}
			}
			_ = session.Send(context.Background(), frame.CancelFrame(corrID, reason))
			select {
			case out <- final:
			default:
			}
			return
		}
	}
}

// emitChunk translates one frame into a Chunk on out; it reports whether
// the stream reached its terminal frame.
func emitChunk(f *frame.Frame, out chan<- Chunk) bool {
	if f.Type == frame.TypeCancel {
		out <- Chunk{Err: terr.NewCancelled(f.CancelReason), EndOfStream: true}
		return true
	}
	if f.RespStatus == frame.StatusError {
		out <- Chunk{Err: terr.WrapKind(terr.Kind(f.ErrorCode), nil, f.ErrorMessage), EndOfStream: true}
		return true
	}
	out <- Chunk{Payload: f.Payload, EndOfStream: f.EndOfStream}
	return f.EndOfStream
}

// Heartbeat answers the local Tunnel/Heartbeat RPC: it never crosses the
// tunnel, only touches last_seen.
func (r *Router) Heartbeat(ctx context.Context, machineID string) error {
	return r.store.TouchMachineHeartbeat(ctx, machineID)
}

// DrainBuffered flushes buffered messages for machineID onto its
// now-live tunnel, called right after a successful Attach. Each message
// is deleted only once handed to the tunnel; if the tunnel drops
// mid-drain, the undelivered tail stays buffered for the next attach.
func (r *Router) DrainBuffered(ctx context.Context, machineID string) (int, error) {
	session, corr, online := r.registry.Lookup(machineID)
	if !online {
		return 0, nil
	}
	msgs, err := r.store.PendingBuffered(ctx, machineID)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, m := range msgs {
		corrID, _ := corr.Allocate()
		if err := session.Send(ctx, frame.Request(corrID, m.Method, m.Metadata, m.Payload)); err != nil {
			corr.Close(corrID)
			break
		}
		corr.Close(corrID)
		if err := r.store.DeleteBufferedMessage(ctx, m.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	if delivered > 0 && r.audit != nil {
		r.audit.LogBufferDrain(ctx, machineID, delivered)
	}
	return delivered, nil
}
