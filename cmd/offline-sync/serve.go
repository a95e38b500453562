package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/logger"
	"github.com/vertextoedge/offline-sync/internal/service/maintenance"
	"github.com/vertextoedge/offline-sync/internal/service/server"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download engine, sync queue and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			log.Info("starting offline-sync",
				zap.String("version", version),
				zap.String("root_dir", cfg.Storage.RootDir))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, false)
			if err != nil {
				return err
			}

			maintenanceService := maintenance.New(&maintenance.Config{
				CleanupInterval:     cfg.Maintenance.GetCleanupInterval(),
				TempFileMaxAge:      cfg.Maintenance.GetTempFileMaxAge(),
				HealthCheckInterval: cfg.Maintenance.GetHealthCheckInterval(),
				AutoCleanup:         cfg.Maintenance.AutoCleanup,
			}, a.fs, a.downloads.Owns, a.storage, clock.Real{}, log.Named("maintenance"))

			httpServer := server.New(&server.Config{
				BindAddr:     cfg.HTTP.BindAddr,
				Username:     cfg.HTTP.Username,
				Password:     cfg.HTTP.Password,
				ReadTimeout:  cfg.HTTP.GetReadTimeout(),
				WriteTimeout: cfg.HTTP.GetWriteTimeout(),
				IdleTimeout:  cfg.HTTP.GetIdleTimeout(),
			}, server.Services{
				Downloads: a.downloads,
				Sync:      a.sync,
				Quality:   a.selector,
				Storage:   a.storage,
				Store:     a.store,
			}, a.tel, log.Named("http"))

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- httpServer.Start()
			}()

			go func() {
				if err := a.network.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("network monitor stopped with error", zap.Error(err))
				}
			}()

			go func() {
				if err := a.sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("sync manager stopped with error", zap.Error(err))
				}
			}()

			go func() {
				if err := maintenanceService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("maintenance service stopped with error", zap.Error(err))
				}
			}()

			log.Info("application started successfully", zap.String("http_addr", cfg.HTTP.BindAddr))

			var runErr error
			select {
			case <-ctx.Done():
				log.Info("shutdown signal received, stopping services...")
			case runErr = <-serverErr:
				log.Error("HTTP server failed", zap.Error(runErr))
				stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := httpServer.Stop(shutdownCtx); err != nil {
				log.Error("failed to stop HTTP server gracefully", zap.Error(err))
			}
			maintenanceService.Stop()
			a.network.Stop()
			a.close(shutdownCtx)

			log.Info("application stopped successfully")
			return runErr
		},
	}
}
