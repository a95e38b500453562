package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/adapter/filesystem"
	"github.com/vertextoedge/offline-sync/internal/adapter/httpfetch"
	"github.com/vertextoedge/offline-sync/internal/adapter/network"
	"github.com/vertextoedge/offline-sync/internal/adapter/remote"
	"github.com/vertextoedge/offline-sync/internal/adapter/s3"
	"github.com/vertextoedge/offline-sync/internal/adapter/sqlite"
	"github.com/vertextoedge/offline-sync/internal/config"
	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/service/download"
	"github.com/vertextoedge/offline-sync/internal/service/quality"
	"github.com/vertextoedge/offline-sync/internal/service/storage"
	"github.com/vertextoedge/offline-sync/internal/service/syncqueue"
	"github.com/vertextoedge/offline-sync/internal/telemetry"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
)

// app holds every wired component
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *sqlite.Store
	fs        *filesystem.Manager
	network   *network.Monitor
	tel       *telemetry.Telemetry
	downloads *download.Engine
	selector  *quality.Selector
	sync      *syncqueue.Manager
	storage   *storage.Accountant
}

// newApp opens the store and wires services. A passive app never starts
// transfers, which suits one-shot commands.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, passive bool) (*app, error) {
	fs, err := filesystem.NewManager(cfg.Storage.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem manager: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Storage.RootDir, "offline-sync.db")
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled && !passive,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	monitor := network.New(&network.Config{
		ProbeURL:       cfg.Network.ProbeURL,
		ProbeInterval:  cfg.Network.GetProbeInterval(),
		ConnectionType: domain.ConnectionType(cfg.Network.ConnectionType),
		Metered:        cfg.Network.Metered,
	}, logger.Named("network"))

	fetcher := httpfetch.New(&httpfetch.Config{
		BufferSizeKB:          cfg.Download.BufferSizeKB,
		ProbeTimeout:          cfg.Download.GetProbeTimeout(),
		ResponseHeaderTimeout: cfg.Download.GetResponseHeaderTimeout(),
		UserAgent:             "offline-sync/" + version,
	})

	opts := []download.Option{}
	if passive {
		opts = append(opts, download.Passive())
	}
	engine := download.New(&download.Config{
		MaxConcurrent:           cfg.Download.MaxConcurrent,
		MinFreeSpace:            cfg.Storage.GetMinFreeSpace(),
		ProgressPersistInterval: cfg.Download.GetProgressPersistInterval(),
		BufferSize:              cfg.Download.BufferSizeKB * 1024,
	}, store, fs, fetcher, monitor, tel, logger.Named("download"), opts...)
	if err := engine.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	defaults := cfg.Quality.Preferences()
	selector := quality.New(store, monitor, &defaults, logger.Named("quality"))

	var uploader port.Uploader
	if cfg.Upload.Bucket != "" {
		u, err := s3.NewUploader(ctx, s3.Config{
			Bucket:       cfg.Upload.Bucket,
			KeyPrefix:    cfg.Upload.KeyPrefix,
			Region:       cfg.Upload.Region,
			Endpoint:     cfg.Upload.Endpoint,
			UsePathStyle: cfg.Upload.UsePathStyle,
		})
		if err != nil {
			logger.Warn("uploads disabled, failed to configure S3", zap.Error(err))
		} else {
			uploader = u
		}
	}

	content := remote.NewClient(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.GetTimeout(),
	})

	manager := syncqueue.New(&syncqueue.Config{Options: cfg.Sync.Options()},
		store, content, uploader, engine, selector, monitor, clock.Real{}, tel, logger.Named("sync"))
	if err := manager.Load(ctx); err != nil {
		engine.Close()
		store.Close()
		return nil, err
	}

	accountant := storage.New(&storage.Config{
		DeviceCapacity:   cfg.Storage.GetDeviceCapacity(),
		UsageCacheTTL:    cfg.Storage.GetUsageCacheTTL(),
		AgeThresholdDays: cfg.Storage.CleanupAgeDays,
		RarelyUsedDays:   cfg.Storage.RarelyUsedDays,
		IdleDays:         cfg.Storage.IdleDays,
		ReclaimAdvise:    cfg.Storage.GetReclaimAdvise(),
	}, engine, fs, store, clock.Real{}, tel, logger.Named("storage"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		fs:        fs,
		network:   monitor,
		tel:       tel,
		downloads: engine,
		selector:  selector,
		sync:      manager,
		storage:   accountant,
	}, nil
}

// close stops services in dependency order
func (a *app) close(ctx context.Context) {
	a.sync.Close()
	if err := a.downloads.Close(); err != nil {
		a.logger.Error("failed to close download engine", zap.Error(err))
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown telemetry", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database", zap.Error(err))
	}
}
