package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/observability"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			tel, err := observability.New(observability.Config{
				ServiceName:    cfg.Telemetry.ServiceName,
				ServiceVersion: Version,
				Environment:    cfg.Telemetry.Environment,
				LogLevel:       cfg.Logging.Level,
				LogFormat:      cfg.Logging.Format,
				TracingEnabled: cfg.Telemetry.TracingEnabled,
				OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
				SamplingRate:   cfg.Telemetry.SamplingRate,
			})
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(cmd.Context()) }()

			logger := tel.Logger()
			logger.Info("Starting secmon",
				zap.String("version", Version),
				zap.String("commit", GitCommit),
				zap.String("store", cfg.Store.Backend),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, tel)
			if err != nil {
				logger.Error("Failed to start", zap.Error(err))
				return err
			}
			if err := a.run(ctx); err != nil {
				logger.Error("Stopped with errors", zap.Error(err))
				return err
			}
			logger.Info("Server stopped")
			return nil
		},
	}
}
