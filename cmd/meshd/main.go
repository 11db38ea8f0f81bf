// Command meshd runs the mesh bridge: one persistent TCP session to a
// Meshtastic radio, backed by a local SQLite store and the scheduler/
// auto-reply subsystems described in internal/manager.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/meshbridge/meshd/internal/config"
	"github.com/meshbridge/meshd/internal/manager"
	"github.com/meshbridge/meshd/internal/metrics"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshd",
		Short: "Persistent bridge between a Meshtastic radio and local consumers",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a meshd.yaml config file")
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var host string
	var port int
	var dbPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the radio and run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.RadioHost = host
			}
			if cmd.Flags().Changed("port") {
				cfg.RadioPort = port
			}
			if cmd.Flags().Changed("db") {
				cfg.DatabasePath = dbPath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
				log.SetLevel(lvl)
			}

			reg := metrics.MustRegisterDefault()
			m, err := manager.New(cfg, reg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return m.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "radio TCP host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "radio TCP port (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	return cmd
}
