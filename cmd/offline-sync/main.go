package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/config"
	"github.com/vertextoedge/offline-sync/internal/logger"
)

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "offline-sync",
		Short:         "Offline download and sync engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return cfg, logger.GetZapLogger(), nil
	}

	root.AddCommand(
		newServeCmd(load),
		newStorageCmd(load),
		newSyncCmd(load),
	)
	return root
}

// loader reads configuration and initializes the global logger
type loader func() (*config.Config, *zap.Logger, error)
