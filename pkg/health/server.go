// Package health provides a liveness/readiness HTTP surface shared by the
// daemon and the relay: a plain "/healthz" liveness check and a "/readyz"
// check that aggregates registered subsystem probes (store connectivity,
// tunnel registry state) before a load balancer or process supervisor
// considers the process ready to take traffic.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// CheckFunc reports whether a subsystem is healthy and a short message.
type CheckFunc func() (ok bool, message string)

// Check is the serialisable result of one registered probe.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "ok" or "fail"
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StatusResponse is the body of both /healthz and /readyz.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server serves liveness/readiness probes on its own listener, separate
// from the client-facing or tunnel-facing ports.
type Server struct {
	addr string
	port int

	startedAt time.Time

	mu     sync.RWMutex
	ready  bool
	checks map[string]CheckFunc

	httpSrv *http.Server
}

// NewServer constructs a Server bound to addr:port. port 0 picks an
// ephemeral port (used by tests); callers needing the actual bound port
// after Start should use Addr().
func NewServer(addr string, port int) *Server {
	return &Server{
		addr:      addr,
		port:      port,
		startedAt: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named readiness probe. All registered checks must
// pass, in addition to SetReady(true) having been called, for /readyz to
// report 200.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// SetReady flips the server's overall readiness flag, set once process
// startup (store open, registry constructed) has completed.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/readyz", s.readyHandler)
	return mux
}

// Start binds the listener and serves until ctx is cancelled. It returns
// the bound address once listening begins, so callers using port 0 can
// discover the assigned port.
func (s *Server) Start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.addr, s.port))
	if err != nil {
		return "", fmt.Errorf("health: listen: %w", err)
	}
	s.httpSrv = &http.Server{Handler: s.mux()}
	go func() {
		<-ctx.Done()
		s.httpSrv.Close()
	}()
	go s.httpSrv.Serve(ln)
	return ln.Addr().String(), nil
}

// Stop gracefully shuts the server down and marks it not ready.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checks := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()

	results := make(map[string]Check, len(checks))
	allOK := ready
	for name, fn := range checks {
		ok, msg := fn()
		results[name] = Check{Name: name, Status: statusString(ok), Message: msg, Timestamp: time.Now()}
		if !ok {
			allOK = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := StatusResponse{Uptime: time.Since(s.startedAt).String(), Checks: results}
	if allOK {
		resp.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
