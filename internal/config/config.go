package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// Config represents the entire application configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Download    DownloadConfig    `mapstructure:"download"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Network     NetworkConfig     `mapstructure:"network"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// StorageConfig contains local storage settings
type StorageConfig struct {
	RootDir          string `mapstructure:"root_dir"`
	MinFreeSpaceMB   int    `mapstructure:"min_free_space_mb"`
	DeviceCapacityGB int    `mapstructure:"device_capacity_gb"`
	UsageCacheTTL    string `mapstructure:"usage_cache_ttl"`
	CleanupAgeDays   int    `mapstructure:"cleanup_age_days"`
	RarelyUsedDays   int    `mapstructure:"rarely_used_days"`
	IdleDays         int    `mapstructure:"idle_days"`
	CleanupMinSizeMB int    `mapstructure:"cleanup_min_size_mb"`
	ReclaimAdviseMB  int    `mapstructure:"reclaim_advise_mb"`
}

// DownloadConfig contains download engine settings
type DownloadConfig struct {
	MaxConcurrent           int    `mapstructure:"max_concurrent"`
	BufferSizeKB            int    `mapstructure:"buffer_size_kb"`
	ProgressPersistInterval string `mapstructure:"progress_persist_interval"`
	ProbeTimeout            string `mapstructure:"probe_timeout"`
	ResponseHeaderTimeout   string `mapstructure:"response_header_timeout"`
}

// SyncConfig contains sync queue defaults. Persisted options override these
// once the user changes them.
type SyncConfig struct {
	AutoSync           bool   `mapstructure:"auto_sync"`
	Interval           string `mapstructure:"interval"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	MaxRetries         int    `mapstructure:"max_retries"`
	RetryFailed        bool   `mapstructure:"retry_failed"`
	PriorityOrdering   bool   `mapstructure:"priority_ordering"`
	ConflictResolution string `mapstructure:"conflict_resolution"`
	AllowCellular      bool   `mapstructure:"allow_cellular"`
	PerItemEstimate    string `mapstructure:"per_item_estimate"`
}

// QualityConfig contains default quality preferences
type QualityConfig struct {
	Auto           bool   `mapstructure:"auto"`
	Tier           string `mapstructure:"tier"`
	AllowCellular  bool   `mapstructure:"allow_cellular"`
	DataSaver      bool   `mapstructure:"data_saver"`
	MaxBitrateKbps int    `mapstructure:"max_bitrate_kbps"`
}

// RemoteConfig contains the remote content service settings
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Timeout string `mapstructure:"timeout"`
}

// UploadConfig contains S3 upload settings. Uploads are disabled without a bucket.
type UploadConfig struct {
	Bucket       string `mapstructure:"bucket"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// NetworkConfig contains connectivity probe settings
type NetworkConfig struct {
	ProbeURL       string `mapstructure:"probe_url"`
	ProbeInterval  string `mapstructure:"probe_interval"`
	ConnectionType string `mapstructure:"connection_type"`
	Metered        bool   `mapstructure:"metered"`
}

// MaintenanceConfig contains maintenance service settings
type MaintenanceConfig struct {
	CleanupInterval     string `mapstructure:"cleanup_interval"`
	TempFileMaxAge      string `mapstructure:"temp_file_max_age"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
	AutoCleanup         bool   `mapstructure:"auto_cleanup"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	BindAddr     string `mapstructure:"bind_addr"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.root_dir", "/var/lib/offline-sync")
	v.SetDefault("storage.min_free_space_mb", 50)
	v.SetDefault("storage.device_capacity_gb", 32)
	v.SetDefault("storage.usage_cache_ttl", "30s")
	v.SetDefault("storage.cleanup_age_days", 30)
	v.SetDefault("storage.rarely_used_days", 30)
	v.SetDefault("storage.idle_days", 0)
	v.SetDefault("storage.cleanup_min_size_mb", 0)
	v.SetDefault("storage.reclaim_advise_mb", 100)
	v.SetDefault("download.max_concurrent", 3)
	v.SetDefault("download.buffer_size_kb", 256)
	v.SetDefault("download.progress_persist_interval", "2s")
	v.SetDefault("download.probe_timeout", "15s")
	v.SetDefault("download.response_header_timeout", "30s")
	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("sync.interval", "30m")
	v.SetDefault("sync.max_concurrent", 3)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_failed", true)
	v.SetDefault("sync.priority_ordering", true)
	v.SetDefault("sync.conflict_resolution", "newest")
	v.SetDefault("sync.allow_cellular", false)
	v.SetDefault("sync.per_item_estimate", "5s")
	v.SetDefault("quality.auto", true)
	v.SetDefault("quality.tier", "medium")
	v.SetDefault("quality.allow_cellular", false)
	v.SetDefault("quality.data_saver", false)
	v.SetDefault("quality.max_bitrate_kbps", 320)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.key_prefix", "offline-sync")
	v.SetDefault("upload.region", "us-east-1")
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.use_path_style", false)
	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", "30s")
	v.SetDefault("network.connection_type", "wifi")
	v.SetDefault("network.metered", false)
	v.SetDefault("maintenance.cleanup_interval", "1h")
	v.SetDefault("maintenance.temp_file_max_age", "24h")
	v.SetDefault("maintenance.health_check_interval", "15m")
	v.SetDefault("maintenance.auto_cleanup", false)
	v.SetDefault("http.bind_addr", "127.0.0.1:8080")
	v.SetDefault("http.username", "")
	v.SetDefault("http.password", "")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "offline-sync")
}

// Load loads configuration from the specified file path. An empty path
// uses defaults and environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OFFLINE_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.RootDir) == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if c.Storage.MinFreeSpaceMB < 0 {
		return fmt.Errorf("storage.min_free_space_mb must not be negative")
	}
	if c.Storage.DeviceCapacityGB <= 0 {
		return fmt.Errorf("storage.device_capacity_gb must be positive")
	}
	if c.Storage.IdleDays < 0 {
		return fmt.Errorf("storage.idle_days must not be negative")
	}

	if c.Download.MaxConcurrent < 1 || c.Download.MaxConcurrent > 10 {
		return fmt.Errorf("download.max_concurrent must be between 1 and 10")
	}
	if c.Sync.MaxConcurrent < 1 || c.Sync.MaxConcurrent > 10 {
		return fmt.Errorf("sync.max_concurrent must be between 1 and 10")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if _, err := domain.ParseResolution(c.Sync.ConflictResolution); err != nil {
		return fmt.Errorf("invalid sync.conflict_resolution: %s", c.Sync.ConflictResolution)
	}

	switch domain.QualityTier(c.Quality.Tier) {
	case domain.TierUltra, domain.TierHigh, domain.TierMedium, domain.TierLow, domain.TierDataSaver:
	default:
		return fmt.Errorf("invalid quality.tier: %s", c.Quality.Tier)
	}

	switch domain.ConnectionType(c.Network.ConnectionType) {
	case domain.ConnectionWifi, domain.ConnectionCellular, domain.ConnectionEthernet:
	default:
		return fmt.Errorf("invalid network.connection_type: %s", c.Network.ConnectionType)
	}

	durations := map[string]string{
		"storage.usage_cache_ttl":            c.Storage.UsageCacheTTL,
		"download.progress_persist_interval": c.Download.ProgressPersistInterval,
		"download.probe_timeout":             c.Download.ProbeTimeout,
		"download.response_header_timeout":   c.Download.ResponseHeaderTimeout,
		"sync.interval":                      c.Sync.Interval,
		"sync.per_item_estimate":             c.Sync.PerItemEstimate,
		"remote.timeout":                     c.Remote.Timeout,
		"network.probe_interval":             c.Network.ProbeInterval,
		"maintenance.cleanup_interval":       c.Maintenance.CleanupInterval,
		"maintenance.temp_file_max_age":      c.Maintenance.TempFileMaxAge,
		"maintenance.health_check_interval":  c.Maintenance.HealthCheckInterval,
		"http.read_timeout":                  c.HTTP.ReadTimeout,
		"http.write_timeout":                 c.HTTP.WriteTimeout,
		"http.idle_timeout":                  c.HTTP.IdleTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if c.HTTP.Username != "" && c.HTTP.Password == "" {
		return fmt.Errorf("http.password is required when http.username is set")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(value)
	if d == 0 {
		return fallback
	}
	return d
}

// GetMinFreeSpace returns the free space floor in bytes
func (c *StorageConfig) GetMinFreeSpace() int64 {
	return int64(c.MinFreeSpaceMB) * 1024 * 1024
}

// GetDeviceCapacity returns the accounted device capacity in bytes
func (c *StorageConfig) GetDeviceCapacity() int64 {
	if c.DeviceCapacityGB <= 0 {
		return 32 * 1024 * 1024 * 1024
	}
	return int64(c.DeviceCapacityGB) * 1024 * 1024 * 1024
}

// GetUsageCacheTTL returns how long a usage snapshot is reused
func (c *StorageConfig) GetUsageCacheTTL() time.Duration {
	return parseDuration(c.UsageCacheTTL, 30*time.Second)
}

// GetCleanupMinSize returns the cleanup size threshold in bytes
func (c *StorageConfig) GetCleanupMinSize() int64 {
	return int64(c.CleanupMinSizeMB) * 1024 * 1024
}

// GetReclaimAdvise returns the reclaimable size above which cleanup is advised
func (c *StorageConfig) GetReclaimAdvise() int64 {
	return int64(c.ReclaimAdviseMB) * 1024 * 1024
}

// GetProgressPersistInterval returns the progress persistence throttle
func (c *DownloadConfig) GetProgressPersistInterval() time.Duration {
	return parseDuration(c.ProgressPersistInterval, 2*time.Second)
}

// GetProbeTimeout returns the metadata probe timeout
func (c *DownloadConfig) GetProbeTimeout() time.Duration {
	return parseDuration(c.ProbeTimeout, 15*time.Second)
}

// GetResponseHeaderTimeout returns the transfer response header timeout
func (c *DownloadConfig) GetResponseHeaderTimeout() time.Duration {
	return parseDuration(c.ResponseHeaderTimeout, 30*time.Second)
}

// GetInterval returns the periodic sync interval
func (c *SyncConfig) GetInterval() time.Duration {
	return parseDuration(c.Interval, 30*time.Minute)
}

// GetPerItemEstimate returns the per-item time estimate
func (c *SyncConfig) GetPerItemEstimate() time.Duration {
	return parseDuration(c.PerItemEstimate, 5*time.Second)
}

// Options converts the sync section into default sync options
func (c *SyncConfig) Options() domain.SyncOptions {
	opts := domain.DefaultSyncOptions()
	opts.AutoSync = c.AutoSync
	opts.SyncInterval = c.GetInterval()
	opts.AllowCellular = c.AllowCellular
	if c.MaxConcurrent > 0 {
		opts.MaxConcurrent = c.MaxConcurrent
	}
	opts.MaxRetryAttempts = c.MaxRetries
	opts.RetryFailedItems = c.RetryFailed
	opts.PriorityOrdering = c.PriorityOrdering
	if res, err := domain.ParseResolution(c.ConflictResolution); err == nil {
		opts.ConflictResolution = res
	}
	opts.PerItemEstimate = c.GetPerItemEstimate()
	return opts
}

// Preferences converts the quality section into default preferences
func (c *QualityConfig) Preferences() domain.QualityPreferences {
	prefs := domain.DefaultQualityPreferences()
	prefs.Auto = c.Auto
	if c.Tier != "" {
		prefs.Tier = domain.QualityTier(c.Tier)
	}
	prefs.AllowCellular = c.AllowCellular
	prefs.DataSaver = c.DataSaver
	if c.MaxBitrateKbps > 0 {
		prefs.MaxBitrateKbps = c.MaxBitrateKbps
	}
	return prefs
}

// GetTimeout returns the remote request timeout
func (c *RemoteConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// GetProbeInterval returns the connectivity probe interval
func (c *NetworkConfig) GetProbeInterval() time.Duration {
	return parseDuration(c.ProbeInterval, 30*time.Second)
}

// GetCleanupInterval returns the orphan cleanup interval
func (c *MaintenanceConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Hour)
}

// GetTempFileMaxAge returns the maximum age of orphaned partial files
func (c *MaintenanceConfig) GetTempFileMaxAge() time.Duration {
	return parseDuration(c.TempFileMaxAge, 24*time.Hour)
}

// GetHealthCheckInterval returns the storage health check interval
func (c *MaintenanceConfig) GetHealthCheckInterval() time.Duration {
	return parseDuration(c.HealthCheckInterval, 15*time.Minute)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *HTTPConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *HTTPConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 60*time.Second)
}
