package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/TPE1314/T/broker"
	"github.com/TPE1314/T/internal/logutil"
	"github.com/TPE1314/T/internal/statepaths"
	"github.com/TPE1314/T/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing daemon: bootstrap admins and sweep stale requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := brokerFromViper(ctx, logger)
			if err != nil {
				return err
			}
			if err := svc.Bootstrap(ctx,
				viper.GetString("bootstrap.super_admin_id"),
				viper.GetStringSlice("bootstrap.admin_ids"),
			); err != nil {
				return err
			}

			store, err := ledger.Open(statepaths.LedgerDir(), ledger.StoreOptions{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("ledger_close_failed", "error", err.Error())
				}
			}()

			maxAge := viper.GetDuration("broker.request_max_age")
			interval := viper.GetDuration("broker.sweep_interval")
			if interval <= 0 {
				interval = 10 * time.Minute
			}
			logger.Info("serve_started", "data_dir", statepaths.DataDir(), "sweep_interval", interval.String(), "request_max_age", maxAge.String())

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("serve_stopped")
					return nil
				case <-ticker.C:
					if _, err := svc.ExpirySweep(ctx, maxAge); err != nil {
						// The next tick retries.
						logger.Warn("expiry_sweep_failed", "error", err.Error())
					}
				}
			}
		},
	}
	return cmd
}

func brokerFromViper(ctx context.Context, logger *slog.Logger) (*broker.Service, error) {
	store := broker.NewFileStore(statepaths.PairingDir())
	return broker.NewService(ctx, store, broker.Options{
		PairingDisabled: !viper.GetBool("broker.pairing_enabled"),
		DefaultCapacity: viper.GetInt("broker.default_capacity"),
		Logger:          logger,
	})
}
