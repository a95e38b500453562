package domain

import (
	"fmt"
	"time"
)

// SyncOptions governs the sync queue manager
type SyncOptions struct {
	AutoSync           bool          `json:"autoSync"`
	SyncInterval       time.Duration `json:"syncInterval"`
	AllowCellular      bool          `json:"allowCellular"`
	AllowWifi          bool          `json:"allowWifi"`
	MaxConcurrent      int           `json:"maxConcurrentSyncs"`
	MaxRetryAttempts   int           `json:"maxRetryAttempts"`
	RetryFailedItems   bool          `json:"retryFailedItems"`
	PriorityOrdering   bool          `json:"priorityOrdering"`
	ConflictResolution Resolution    `json:"conflictResolution"`

	// PerItemEstimate feeds the remaining-time heuristic
	PerItemEstimate time.Duration `json:"perItemEstimate"`
}

// DefaultSyncOptions returns the default sync options
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		AutoSync:           true,
		SyncInterval:       30 * time.Minute,
		AllowCellular:      false,
		AllowWifi:          true,
		MaxConcurrent:      3,
		MaxRetryAttempts:   3,
		RetryFailedItems:   true,
		PriorityOrdering:   true,
		ConflictResolution: ResolveNewest,
		PerItemEstimate:    5 * time.Second,
	}
}

// Validate validates the options
func (o SyncOptions) Validate() error {
	if o.MaxConcurrent < 1 || o.MaxConcurrent > 10 {
		return fmt.Errorf("max concurrent syncs must be between 1 and 10: %w", ErrInvalidInput)
	}
	if o.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative: %w", ErrInvalidInput)
	}
	if o.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive: %w", ErrInvalidInput)
	}
	if _, err := ParseResolution(string(o.ConflictResolution)); err != nil {
		return err
	}
	return nil
}

// AllowsConnection reports whether syncing may start on the given link
func (o SyncOptions) AllowsConnection(t ConnectionType) bool {
	switch t {
	case ConnectionWifi:
		return o.AllowWifi
	case ConnectionEthernet:
		return true
	case ConnectionCellular:
		return o.AllowCellular
	default:
		return false
	}
}

// QualityTier names a rung of the quality ladder
type QualityTier string

const (
	TierUltra     QualityTier = "ultra"
	TierHigh      QualityTier = "high"
	TierMedium    QualityTier = "medium"
	TierLow       QualityTier = "low"
	TierDataSaver QualityTier = "data-saver"
)

// QualityPreferences is the user's quality configuration
type QualityPreferences struct {
	Auto           bool        `json:"auto"`
	Tier           QualityTier `json:"tier"`
	AllowCellular  bool        `json:"allowCellular"`
	DataSaver      bool        `json:"dataSaver"`
	MaxBitrateKbps int         `json:"maxBitrateKbps"`

	// Per-condition toggles
	UseHighOnWifi      bool `json:"useHighOnWifi"`
	ReduceOnPoorSignal bool `json:"reduceOnPoorSignal"`
}

// DefaultQualityPreferences returns the default preferences
func DefaultQualityPreferences() QualityPreferences {
	return QualityPreferences{
		Auto:               true,
		Tier:               TierMedium,
		AllowCellular:      false,
		MaxBitrateKbps:     320,
		ReduceOnPoorSignal: true,
	}
}

// ConnectionType is the kind of network link
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
)

// SignalStrength is a qualitative link strength
type SignalStrength string

const (
	StrengthExcellent SignalStrength = "excellent"
	StrengthGood      SignalStrength = "good"
	StrengthFair      SignalStrength = "fair"
	StrengthPoor      SignalStrength = "poor"
)

// NetworkCondition is a snapshot of connectivity
type NetworkCondition struct {
	Connected bool           `json:"connected"`
	Type      ConnectionType `json:"type"`
	Strength  SignalStrength `json:"strength"`
	Metered   bool           `json:"metered"`
}

// StorageUsageSnapshot is derived from completed downloads on demand
type StorageUsageSnapshot struct {
	TotalBytes     int64     `json:"totalBytes"`
	UsedBytes      int64     `json:"usedBytes"`
	AvailableBytes int64     `json:"availableBytes"`
	CompletedCount int       `json:"completedCount"`
	UsagePercent   float64   `json:"usagePercent"`
	ComputedAt     time.Time `json:"computedAt"`
}
