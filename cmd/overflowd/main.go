// Command overflowd runs the tank overflow control plane and offers offline
// planning and store inspection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/overflow-control/internal/config"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/internal/runtime"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "overflowd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "overflowd",
		Short:         "Predictive overflow control for connected water tanks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML config file (default $"+config.EnvConfigPath+")")

	load := func() (config.Config, error) { return config.Load(configPath) }
	root.AddCommand(
		newRunCmd(load),
		newPlanCmd(load),
		newInspectCmd(load),
	)
	return root
}

type loader func() (config.Config, error)

func newRunCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control plane until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logging.NewFromEnv(cfg.Logging))
		},
	}
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	rt, err := runtime.Build(cfg, log)
	if err != nil {
		return err
	}
	log.Info(ctx, "overflowd starting",
		logging.String("topology", cfg.Topology.Path),
		logging.String("store", cfg.Store.Kind),
		logging.String("forecast", cfg.Forecast.Kind),
		logging.String("gateway", cfg.Gateway.Kind),
		logging.String("api_addr", cfg.API.Addr))
	if err := rt.Run(ctx); err != nil {
		return err
	}
	log.Info(context.Background(), "overflowd stopped")
	return nil
}
