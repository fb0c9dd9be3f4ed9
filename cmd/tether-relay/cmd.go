package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherline/tether/pkg/config"
)

var flagConfigPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tether-relay",
		Short: "tether-relay — NAT-safe relay for the tether coding-agent tunnel",
		Long: `tether-relay brokers client-facing auth and machine registration and
holds the durable websocket tunnel to every daemon, forwarding Converse
and one-shot requests to whichever machine the client names.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to relay config YAML")

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(flagConfigPath)
			if err != nil {
				return fmt.Errorf("tether-relay: load config: %w", err)
			}

			app := newApp(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Start(ctx); err != nil {
				return fmt.Errorf("tether-relay: start: %w", err)
			}

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tether-relay %s (%s)\n", version, commit)
		},
	}
}
