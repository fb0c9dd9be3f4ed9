package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/fx"

	"github.com/tetherline/tether/pkg/auth"
	"github.com/tetherline/tether/pkg/config"
	"github.com/tetherline/tether/pkg/daemonstore"
	"github.com/tetherline/tether/pkg/health"
	"github.com/tetherline/tether/pkg/session"
	"github.com/tetherline/tether/pkg/tunnelclient"
)

func newApp(cfg *config.Daemon) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Daemon { return cfg },
			func(cfg *config.Daemon) *slog.Logger { return newLogger(cfg.LogFormat) },
			openDaemonStore,
			newMultiplexer,
			newIdentity,
			newTunnelClient,
			newHealthServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func openDaemonStore(cfg *config.Daemon) (*daemonstore.Store, error) {
	return daemonstore.Open(cfg.DBPath)
}

func newMultiplexer(cfg *config.Daemon, store *daemonstore.Store, logger *slog.Logger) *session.Multiplexer {
	return session.New(store, logger, cfg.MaxClientsPerSession, cfg.BroadcastCapacity)
}

func newIdentity(cfg *config.Daemon) (*auth.IdentityKeyPair, error) {
	return auth.LoadOrCreateIdentity(cfg.IdentityKeyPath)
}

func newTunnelClient(cfg *config.Daemon, mux *session.Multiplexer, store *daemonstore.Store, identity *auth.IdentityKeyPair, logger *slog.Logger) *tunnelclient.Client {
	return tunnelclient.New(cfg.RelayURL, cfg.MachineID, cfg.MachineName, cfg.BearerToken, mux, newSpawnFunc(cfg), identity, cfg.HeartbeatInterval, logger).
		WithLocalServices(store, config.NewSettingsFile(cfg.SettingsPath))
}

func newHealthServer(cfg *config.Daemon) (*health.Server, error) {
	host, portStr, err := net.SplitHostPort(cfg.HealthAddr)
	if err != nil {
		return nil, fmt.Errorf("tetherd: parse health_addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("tetherd: parse health_addr port: %w", err)
	}
	return health.NewServer(host, port), nil
}

func registerLifecycle(
	lc fx.Lifecycle,
	store *daemonstore.Store,
	mux *session.Multiplexer,
	client *tunnelclient.Client,
	healthSrv *health.Server,
	logger *slog.Logger,
) {
	var cancelRun context.CancelFunc
	var watcher *fsnotify.Watcher

	healthSrv.RegisterCheck("daemon_store", func() (bool, string) {
		return true, ""
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := healthSrv.Start(ctx); err != nil {
				return err
			}
			runCtx, cancel := context.WithCancel(context.Background())
			cancelRun = cancel
			go func() {
				if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("tunnelclient: run stopped", "error", err)
				}
			}()

			w, err := config.WatchDaemon(flagConfigPath, logger, func(cfg *config.Daemon) {
				mux.SetLimits(cfg.MaxClientsPerSession, cfg.BroadcastCapacity)
			})
			if err != nil {
				logger.Warn("tetherd: config watch disabled", "error", err)
			}
			watcher = w

			healthSrv.SetReady(true)
			logger.Info("tetherd: started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancelRun != nil {
				cancelRun()
			}
			if watcher != nil {
				watcher.Close()
			}
			healthSrv.Stop(ctx)
			return store.Close()
		},
	})
}
