package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/service/storage"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
)

// Config contains maintenance service configuration
type Config struct {
	// CleanupInterval is how often orphaned files are swept
	CleanupInterval time.Duration

	// TempFileMaxAge is the minimum age of an orphaned file before removal
	TempFileMaxAge time.Duration

	// HealthCheckInterval is how often storage health is evaluated
	HealthCheckInterval time.Duration

	// AutoCleanup runs the recommended cleanup when a health check advises one
	AutoCleanup bool
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval:     time.Hour,
		TempFileMaxAge:      24 * time.Hour,
		HealthCheckInterval: 15 * time.Minute,
	}
}

// Storage is the part of the storage accountant maintenance drives
type Storage interface {
	HealthScore(ctx context.Context) int
	RecommendedCleanup(ctx context.Context) (storage.CleanupOptions, bool)
	Cleanup(ctx context.Context, opts storage.CleanupOptions) (storage.CleanupResult, error)
}

var _ Storage = (*storage.Accountant)(nil)

// Service handles periodic maintenance tasks
type Service struct {
	config  *Config
	fs      port.FileSystem
	owned   func(path string) bool
	storage Storage
	clock   clock.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a new maintenance Service. owned reports whether a path belongs
// to a live download record; such files are never swept.
func New(cfg *Config, fs port.FileSystem, owned func(path string) bool, st Storage, clk clock.Clock, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.TempFileMaxAge == 0 {
		cfg.TempFileMaxAge = 24 * time.Hour
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Service{
		config:  cfg,
		fs:      fs,
		owned:   owned,
		storage: st,
		clock:   clk,
		logger:  logger,
	}
}

// Start starts the maintenance service and blocks until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("maintenance service started",
		zap.Duration("cleanup_interval", s.config.CleanupInterval),
		zap.Duration("health_check_interval", s.config.HealthCheckInterval),
		zap.Bool("auto_cleanup", s.config.AutoCleanup))

	stopCleanup := s.clock.Every(s.config.CleanupInterval, s.CleanupOrphans)
	stopHealth := s.clock.Every(s.config.HealthCheckInterval, func() { s.CheckHealth(ctx) })

	<-ctx.Done()
	stopCleanup()
	stopHealth()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// CleanupOrphans removes partial files that no download record owns
func (s *Service) CleanupOrphans() {
	count, err := s.fs.CleanOrphanFiles(s.config.TempFileMaxAge, s.owned)
	if err != nil {
		s.logger.Error("failed to cleanup orphaned files", zap.Error(err))
	} else if count > 0 {
		s.logger.Info("cleaned up orphaned files", zap.Int("count", count))
	}
}

// CheckHealth scores storage health and, with AutoCleanup, runs the
// recommended cleanup. It returns the score.
func (s *Service) CheckHealth(ctx context.Context) int {
	if s.storage == nil {
		return 0
	}
	score := s.storage.HealthScore(ctx)
	s.logger.Info("storage health", zap.Int("score", score))

	if !s.config.AutoCleanup {
		return score
	}
	opts, advised := s.storage.RecommendedCleanup(ctx)
	if !advised {
		return score
	}

	res, err := s.storage.Cleanup(ctx, opts)
	if err != nil {
		s.logger.Error("automatic cleanup failed", zap.Error(err))
		return score
	}
	s.logger.Info("automatic cleanup completed",
		zap.Int("removed", res.RemovedCount),
		zap.String("freed", humanize.Bytes(uint64(res.FreedBytes))))
	return score
}
