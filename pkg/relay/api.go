package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tetherline/tether/pkg/audit"
	"github.com/tetherline/tether/pkg/auth"
	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/relaystore"
	"github.com/tetherline/tether/pkg/wire"
)

// ctxKey namespaces values stored on a request context by this package's
// middleware.
type ctxKey int

const ctxKeyUserID ctxKey = iota

// API is the client-facing HTTP surface: Auth, Machine, and the
// per-session Converse stream, all mounted on a go-chi router with the
// usual middleware stack (RequestID, Recoverer, a bearer-auth middleware
// gating everything but Login/Register/Refresh).
type API struct {
	store    *relaystore.Store
	tokens   *auth.Service
	router   *Router
	audit    *audit.Logger
	converse *ConverseHandler
}

// NewAPI constructs the client-facing API.
func NewAPI(store *relaystore.Store, tokens *auth.Service, router *Router, auditLogger *audit.Logger, logger *slog.Logger) *API {
	return &API{
		store:    store,
		tokens:   tokens,
		router:   router,
		audit:    auditLogger,
		converse: NewConverseHandler(router, logger),
	}
}

// Mux builds the chi router. Every route not explicitly public runs
// behind requireAuth.
func (a *API) Mux() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.With(a.requireAuth).Post("/revoke", a.handleRevoke)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Get("/v1/machines", a.handleListMachines)
		r.Get("/v1/machines/{machineID}", a.handleGetMachine)
		r.Post("/v1/machines/register", a.handleRegisterMachine)
		r.Get("/v1/machines/{machineID}/certificates", a.handleListMachineCertificates)
		r.Post("/v1/certificates/{certID}/revoke", a.handleRevokeCertificate)
		r.Post("/v1/forward", a.handleForward)
		r.Get("/v1/converse", a.converse.ServeHTTP)
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			writeError(w, terr.NewUnauthenticated("missing bearer token"))
			return
		}
		token := strings.TrimPrefix(authz, "Bearer ")
		claims, err := a.tokens.Verify(r.Context(), token, "access")
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.Sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, terr.NewInvalidArgument("malformed request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, terr.NewInvalidArgument("username and password are required"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, terr.Wrap(err, "relay: hash password"))
		return
	}
	user := &relaystore.User{UserID: uuid.NewString(), Username: req.Username, Email: req.Email, PasswordHash: hash}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	a.issueTokenPair(w, r.Context(), user.UserID, user.Username)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, terr.NewInvalidArgument("malformed request body"))
		return
	}
	user, err := a.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, terr.NewUnauthenticated("invalid username or password"))
		return
	}
	ok, err := auth.VerifyPassword(user.PasswordHash, req.Password)
	if err != nil || !ok {
		writeError(w, terr.NewUnauthenticated("invalid username or password"))
		return
	}
	a.issueTokenPair(w, r.Context(), user.UserID, user.Username)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, terr.NewInvalidArgument("malformed request body"))
		return
	}
	oldClaims, err := a.tokens.Verify(r.Context(), req.RefreshToken, "refresh")
	if err != nil {
		writeError(w, err)
		return
	}

	var accessTok, refreshTok string
	_, _, err = a.store.RefreshRotate(r.Context(), oldClaims.JTI, func() (wire.Claims, wire.Claims, error) {
		var accessClaims, refreshClaims wire.Claims
		accessTok, accessClaims, err = a.tokens.IssueAccess(oldClaims.Sub, oldClaims.Username)
		if err != nil {
			return wire.Claims{}, wire.Claims{}, err
		}
		refreshTok, refreshClaims, err = a.tokens.IssueRefresh(oldClaims.Sub, oldClaims.Username)
		if err != nil {
			return wire.Claims{}, wire.Claims{}, err
		}
		return accessClaims, refreshClaims, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	a.tokens.MarkRevokedLocally(oldClaims.JTI)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  accessTok,
		"refresh_token": refreshTok,
	})
}

type revokeRequest struct {
	JTI string `json:"jti"`
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, terr.NewInvalidArgument("malformed request body"))
		return
	}
	if err := a.store.Revoke(r.Context(), req.JTI); err != nil {
		writeError(w, err)
		return
	}
	a.tokens.MarkRevokedLocally(req.JTI)
	if a.audit != nil {
		a.audit.LogTokenRevoke(r.Context(), userIDFromContext(r.Context()), req.JTI)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (a *API) issueTokenPair(w http.ResponseWriter, ctx context.Context, userID, username string) {
	accessTok, accessClaims, err := a.tokens.IssueAccess(userID, username)
	if err != nil {
		writeError(w, terr.Wrap(err, "relay: issue access token"))
		return
	}
	refreshTok, refreshClaims, err := a.tokens.IssueRefresh(userID, username)
	if err != nil {
		writeError(w, terr.Wrap(err, "relay: issue refresh token"))
		return
	}
	if err := a.store.RecordToken(ctx, accessClaims); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.RecordToken(ctx, refreshClaims); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  accessTok,
		"refresh_token": refreshTok,
	})
}

func (a *API) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := a.store.ListMachinesByOwner(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (a *API) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	machine, err := a.store.GetMachine(r.Context(), machineID)
	if err != nil {
		writeError(w, err)
		return
	}
	if machine.OwnerUserID != userIDFromContext(r.Context()) {
		if a.audit != nil {
			a.audit.LogOwnershipDenied(r.Context(), userIDFromContext(r.Context()), machineID, wire.MethodMachineGet)
		}
		writeError(w, terr.NewPermissionDenied("machine not owned by caller"))
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

type registerMachineRequest struct {
	MachineID   string            `json:"machine_id"`
	DisplayName string            `json:"display_name"`
	Metadata    map[string]string `json:"metadata"`
}

func (a *API) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req registerMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, terr.NewInvalidArgument("malformed request body"))
		return
	}
	if req.MachineID == "" {
		req.MachineID = uuid.NewString()
	}
	m := &relaystore.Machine{
		MachineID:   req.MachineID,
		OwnerUserID: userIDFromContext(r.Context()),
		DisplayName: req.DisplayName,
		Metadata:    req.Metadata,
	}
	if err := a.store.RegisterMachine(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleListMachineCertificates lists the unrevoked certificate bookkeeping
// rows for a machine the caller owns. Certificates themselves are issued by
// an external provisioning step; the relay only ever reads or revokes what
// was already recorded here.
func (a *API) handleListMachineCertificates(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	machine, err := a.store.GetMachine(r.Context(), machineID)
	if err != nil {
		writeError(w, err)
		return
	}
	if machine.OwnerUserID != userIDFromContext(r.Context()) {
		writeError(w, terr.NewPermissionDenied("machine not owned by caller"))
		return
	}
	certs, err := a.store.GetMachineCertificates(r.Context(), machineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

func (a *API) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	certID := chi.URLParam(r, "certID")
	cert, err := a.store.GetCertificate(r.Context(), certID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cert.MachineID != "" {
		machine, err := a.store.GetMachine(r.Context(), cert.MachineID)
		if err != nil {
			writeError(w, err)
			return
		}
		if machine.OwnerUserID != userIDFromContext(r.Context()) {
			writeError(w, terr.NewPermissionDenied("certificate not owned by caller"))
			return
		}
	}
	revoked, err := a.store.RevokeCertificate(r.Context(), certID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !revoked {
		writeError(w, terr.NewNotFound("certificate not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

type forwardRequest struct {
	Method   string            `json:"method"`
	Metadata map[string]string `json:"metadata"`
	Payload  json.RawMessage   `json:"payload"`
}

// handleForward is the generic unary entry point for every forwarded
// method outside Converse's dedicated streaming endpoint (ws.go):
// Machine/Switch, ConfigService/*, AgentService/ListSessions, and so on.
// x-machine-id selects the target daemon.
func (a *API) handleForward(w http.ResponseWriter, r *http.Request) {
	machineID := r.Header.Get("x-machine-id")
	if machineID == "" {
		writeError(w, terr.NewInvalidArgument("missing x-machine-id header"))
		return
	}
	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, terr.NewInvalidArgument("malformed request body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	stream, err := a.router.Forward(ctx, userIDFromContext(ctx), machineID, req.Method, req.Metadata, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			writeError(w, chunk.Err)
			return
		}
		if chunk.EndOfStream {
			w.Header().Set("Content-Type", "application/json")
			w.Write(chunk.Payload)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := terr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case terr.InvalidArgument:
		status = http.StatusBadRequest
	case terr.Unauthenticated:
		status = http.StatusUnauthorized
	case terr.PermissionDenied:
		status = http.StatusForbidden
	case terr.NotFound:
		status = http.StatusNotFound
	case terr.AlreadyExists:
		status = http.StatusConflict
	case terr.FailedPrecondition:
		status = http.StatusPreconditionFailed
	case terr.Unavailable:
		status = http.StatusServiceUnavailable
	case terr.DeadlineExceeded:
		status = http.StatusGatewayTimeout
	case terr.Cancelled:
		status = 499
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}
