package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"

	"github.com/tetherline/tether/pkg/audit"
	"github.com/tetherline/tether/pkg/auth"
	"github.com/tetherline/tether/pkg/config"
	"github.com/tetherline/tether/pkg/health"
	"github.com/tetherline/tether/pkg/relay"
	"github.com/tetherline/tether/pkg/relaystore"
)

// newApp assembles the relay process with fx: fx.Provide for every
// constructor, fx.Invoke (via registerLifecycle) to actually start the
// listeners.
func newApp(cfg *config.Relay) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Relay { return cfg },
			func(cfg *config.Relay) *slog.Logger { return newLogger(cfg.LogFormat) },
			newAuditLogger,
			openRelayStore,
			newTokenService,
			relay.NewTunnelRegistry,
			newRouter,
			newTunnelListener,
			newAPI,
			newHealthServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func newAuditLogger() *audit.Logger {
	return audit.NewLogger(audit.NewFileStore("tether-relay-audit"))
}

func openRelayStore(cfg *config.Relay) (*relaystore.Store, error) {
	if cfg.DBBackend == "postgres" {
		return relaystore.OpenPostgres(cfg.PostgresDSN)
	}
	return relaystore.Open(cfg.DBPath)
}

func newTokenService(cfg *config.Relay, store *relaystore.Store) (*auth.Service, error) {
	return auth.NewService([]byte(cfg.JWTSigningKey), store, clockwork.NewRealClock())
}

func newRouter(cfg *config.Relay, registry *relay.TunnelRegistry, store *relaystore.Store, auditLogger *audit.Logger) *relay.Router {
	return relay.NewRouter(registry, store, auditLogger, cfg.BufferDefaultTTL, cfg.MaxBufferedPerMach)
}

func newAPI(store *relaystore.Store, tokens *auth.Service, router *relay.Router, auditLogger *audit.Logger, logger *slog.Logger) *relay.API {
	return relay.NewAPI(store, tokens, router, auditLogger, logger)
}

func newTunnelListener(registry *relay.TunnelRegistry, router *relay.Router, store *relaystore.Store, tokens *auth.Service, auditLogger *audit.Logger, logger *slog.Logger) *relay.TunnelListener {
	return relay.NewTunnelListener(registry, router, store, tokens, auditLogger, logger)
}

func newHealthServer(cfg *config.Relay) (*health.Server, error) {
	host, portStr, err := net.SplitHostPort(cfg.HealthAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: parse health_addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("relay: parse health_addr port: %w", err)
	}
	return health.NewServer(host, port), nil
}

// registerLifecycle wires every long-running component into fx's
// lifecycle so `fx.App.Start`/`Stop` drives the whole process.
func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Relay,
	store *relaystore.Store,
	listener *relay.TunnelListener,
	api *relay.API,
	healthSrv *health.Server,
	logger *slog.Logger,
) {
	mux := chi.NewRouter()
	mux.Mount("/tunnel", listener)
	mux.Mount("/", api.Mux())

	tlsCfg, tlsErr := relay.BuildTLSConfig(cfg)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, TLSConfig: tlsCfg}

	healthSrv.RegisterCheck("relay_store", func() (bool, string) {
		if err := store.DB().Ping(); err != nil {
			return false, err.Error()
		}
		return true, ""
	})

	var stopSweeper context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if tlsErr != nil {
				return tlsErr
			}
			if _, err := healthSrv.Start(ctx); err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("relay: listen %s: %w", cfg.ListenAddr, err)
			}
			sweepCtx, cancel := context.WithCancel(context.Background())
			stopSweeper = cancel
			go sweepExpiredBuffer(sweepCtx, store, logger)
			go func() {
				var serveErr error
				if tlsCfg != nil {
					serveErr = httpSrv.ServeTLS(ln, "", "")
				} else {
					serveErr = httpSrv.Serve(ln)
				}
				if serveErr != nil && serveErr != http.ErrServerClosed {
					logger.Error("relay: http server stopped", "error", serveErr)
				}
			}()
			healthSrv.SetReady(true)
			logger.Info("relay: listening", "addr", cfg.ListenAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopSweeper != nil {
				stopSweeper()
			}
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
			healthSrv.Stop(shutdownCtx)
			return store.Close()
		},
	})
}

// sweepExpiredBuffer is the periodic pass complementing the read-time
// expiry filter: buffered messages for machines that never reconnect are
// still removed once their TTL lapses.
func sweepExpiredBuffer(ctx context.Context, store *relaystore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := store.CleanupExpiredBuffer(ctx)
			if err != nil {
				logger.Warn("relay: buffer sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("relay: swept expired buffered messages", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
