package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"escalation-service/pkg/config"
	"escalation-service/pkg/service"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "escalation",
		Short: "Supervisor escalation service for an AI receptionist",
		Long: `Tracks questions the assistant could not answer, alerts a supervisor,
texts the customer back once answered, learns the answer for next time and
expires requests nobody picked up.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the timeout sweeper and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)

			logger.WithField("pod_id", cfg.PodID).Info("Starting escalation service")

			// Setup context for graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			svc, err := service.NewService(ctx, cfg, logger, newRegistry())
			if err != nil {
				return fmt.Errorf("failed to build service: %w", err)
			}

			if err := svc.Start(ctx); err != nil {
				svc.Close()
				return fmt.Errorf("failed to start service: %w", err)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			<-sigCh
			logger.Info("Received shutdown signal")

			// Graceful shutdown
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := svc.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Error("Error during service shutdown")
			}

			logger.Info("Escalation service shutdown complete")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending requests once and exit",
		Long: `Runs a single expiry pass against the configured store. Pending requests
created more than the request timeout ago become UNRESOLVED. Safe to run
alongside serving instances.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)
			ctx := cmd.Context()

			svc, err := service.NewService(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("failed to build service: %w", err)
			}
			defer svc.Close()

			var expired int
			if cmd.Flags().Changed("timeout") {
				expired, err = svc.Engine().ExpireStaleRequests(ctx, time.Now(), timeout)
			} else {
				expired, err = svc.Sweeper().RunOnce(ctx)
			}
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "expired %d request(s)\n", expired)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override REQUEST_TIMEOUT_MS for this pass (e.g. 30m)")
	return cmd
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
