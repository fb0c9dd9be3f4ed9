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
		Use:   "tetherd",
		Short: "tetherd — the machine-side daemon that runs and multiplexes coding-agent sessions",
		Long: `tetherd runs on the developer's own machine. It owns the assistant
subprocess for every active session, multiplexes attached clients onto
it, and dials out to a tether-relay so clients elsewhere can reach it
through NAT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to daemon config YAML")

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDaemon(flagConfigPath)
			if err != nil {
				return fmt.Errorf("tetherd: load config: %w", err)
			}

			app := newApp(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Start(ctx); err != nil {
				return fmt.Errorf("tetherd: start: %w", err)
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
			fmt.Printf("tetherd %s (%s)\n", version, commit)
		},
	}
}
