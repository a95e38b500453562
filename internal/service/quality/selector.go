package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
)

// Tier is one rung of the quality ladder
type Tier struct {
	Name         domain.QualityTier `json:"name"`
	BitrateKbps  int                `json:"bitrateKbps"`
	SampleRateHz int                `json:"sampleRateHz"`
}

// ladder is ordered from best to worst
var ladder = []Tier{
	{Name: domain.TierUltra, BitrateKbps: 320, SampleRateHz: 48000},
	{Name: domain.TierHigh, BitrateKbps: 256, SampleRateHz: 44100},
	{Name: domain.TierMedium, BitrateKbps: 128, SampleRateHz: 44100},
	{Name: domain.TierLow, BitrateKbps: 64, SampleRateHz: 22050},
	{Name: domain.TierDataSaver, BitrateKbps: 32, SampleRateHz: 16000},
}

// Tiers returns the quality ladder, best first
func Tiers() []Tier {
	return append([]Tier(nil), ladder...)
}

// TierInfo returns the ladder entry for name
func TierInfo(name domain.QualityTier) (Tier, bool) {
	for _, t := range ladder {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// ValidTier reports whether name is on the ladder
func ValidTier(name domain.QualityTier) bool {
	_, ok := TierInfo(name)
	return ok
}

const fallbackReason = "Fallback to default quality"

// Selection is the outcome of a quality decision for one piece of content
type Selection struct {
	Tier              domain.QualityTier `json:"tier"`
	BitrateKbps       int                `json:"bitrateKbps"`
	URL               string             `json:"url"`
	Reason            string             `json:"reason"`
	EstimatedBytes    int64              `json:"estimatedBytes"`
	EstimatedDuration time.Duration      `json:"estimatedDuration"`
	DataCostBytes     int64              `json:"dataCostBytes"`
}

// Selector picks a bitrate tier from network condition and preferences
type Selector struct {
	store    port.KeyValueStore
	network  port.NetworkStatus
	defaults domain.QualityPreferences
	logger   *zap.Logger

	mu    sync.Mutex
	prefs *domain.QualityPreferences
}

// New creates a new quality Selector. defaults may be nil.
func New(store port.KeyValueStore, network port.NetworkStatus, defaults *domain.QualityPreferences, logger *zap.Logger) *Selector {
	d := domain.DefaultQualityPreferences()
	if defaults != nil {
		d = *defaults
	}
	return &Selector{
		store:    store,
		network:  network,
		defaults: d,
		logger:   logger,
	}
}

// Select decides the tier for contentURL. Failure to read the network or
// the preferences falls back to medium.
func (s *Selector) Select(ctx context.Context, contentURL string, duration time.Duration) Selection {
	cond, err := s.network.Condition(ctx)
	if err != nil {
		s.logger.Warn("network condition unavailable, using default quality", zap.Error(err))
		return s.build(contentURL, duration, domain.TierMedium, fallbackReason, domain.NetworkCondition{})
	}
	prefs, err := s.Preferences(ctx)
	if err != nil {
		s.logger.Warn("quality preferences unavailable, using default quality", zap.Error(err))
		return s.build(contentURL, duration, domain.TierMedium, fallbackReason, cond)
	}

	tier, reason := Decide(cond, prefs)
	sel := s.build(contentURL, duration, tier, reason, cond)

	s.logger.Debug("quality selected",
		zap.String("tier", string(sel.Tier)),
		zap.String("reason", sel.Reason),
		zap.String("connection", string(cond.Type)),
		zap.String("strength", string(cond.Strength)))
	return sel
}

func (s *Selector) build(contentURL string, duration time.Duration, tier domain.QualityTier, reason string, cond domain.NetworkCondition) Selection {
	info, _ := TierInfo(tier)
	size := EstimateSize(tier, duration)
	sel := Selection{
		Tier:              tier,
		BitrateKbps:       info.BitrateKbps,
		URL:               TierURL(contentURL, tier),
		Reason:            reason,
		EstimatedBytes:    size,
		EstimatedDuration: EstimateTransferTime(size, cond),
	}
	if cond.Type == domain.ConnectionCellular || cond.Metered {
		sel.DataCostBytes = size
	}
	return sel
}

// Decide is the pure tier decision
func Decide(cond domain.NetworkCondition, prefs domain.QualityPreferences) (domain.QualityTier, string) {
	if !prefs.Auto {
		tier := prefs.Tier
		if !ValidTier(tier) {
			tier = domain.TierMedium
		}
		return clamp(tier, "User selected quality", prefs.MaxBitrateKbps)
	}

	if cond.Type == domain.ConnectionCellular && !prefs.AllowCellular {
		return domain.TierDataSaver, "Cellular not allowed, using data saver"
	}
	if prefs.DataSaver {
		return domain.TierDataSaver, "Data saver mode enabled"
	}

	var tier domain.QualityTier
	var reason string

	switch cond.Type {
	case domain.ConnectionWifi, domain.ConnectionEthernet:
		switch cond.Strength {
		case domain.StrengthExcellent, domain.StrengthGood:
			tier, reason = domain.TierHigh, "Strong "+string(cond.Type)+" connection"
			if prefs.UseHighOnWifi {
				tier = domain.TierUltra
			}
		case domain.StrengthFair:
			tier, reason = domain.TierMedium, "Fair "+string(cond.Type)+" connection"
		default:
			tier, reason = domain.TierLow, "Poor "+string(cond.Type)+" connection"
		}
	case domain.ConnectionCellular:
		switch cond.Strength {
		case domain.StrengthExcellent:
			tier, reason = domain.TierMedium, "Excellent cellular signal"
		case domain.StrengthGood:
			tier, reason = domain.TierMedium, "Good cellular signal"
			if cond.Metered {
				tier, reason = domain.TierLow, "Good cellular signal on metered plan"
			}
		case domain.StrengthFair:
			tier, reason = domain.TierLow, "Fair cellular signal"
		default:
			tier, reason = domain.TierLow, "Poor cellular signal"
			if prefs.ReduceOnPoorSignal {
				tier = domain.TierDataSaver
			}
		}
	default:
		tier, reason = domain.TierMedium, "Unknown connection"
	}

	return clamp(tier, reason, prefs.MaxBitrateKbps)
}

// clamp walks down the ladder to the first tier at or below maxKbps
func clamp(tier domain.QualityTier, reason string, maxKbps int) (domain.QualityTier, string) {
	if maxKbps <= 0 {
		return tier, reason
	}
	info, ok := TierInfo(tier)
	if !ok || info.BitrateKbps <= maxKbps {
		return tier, reason
	}
	for _, t := range ladder {
		if t.BitrateKbps <= maxKbps {
			return t.Name, fmt.Sprintf("%s (capped at %d kbps)", reason, maxKbps)
		}
	}
	last := ladder[len(ladder)-1]
	return last.Name, fmt.Sprintf("%s (capped at %d kbps)", reason, maxKbps)
}

// TierURL sets the quality query parameter on contentURL
func TierURL(contentURL string, tier domain.QualityTier) string {
	u, err := url.Parse(contentURL)
	if err != nil || contentURL == "" {
		return contentURL
	}
	q := u.Query()
	q.Set("quality", string(tier))
	u.RawQuery = q.Encode()
	return u.String()
}

// EstimateSize returns the expected artifact size for duration at tier
func EstimateSize(tier domain.QualityTier, duration time.Duration) int64 {
	info, ok := TierInfo(tier)
	if !ok || duration <= 0 {
		return 0
	}
	return int64(info.BitrateKbps) * 1000 / 8 * int64(duration/time.Second)
}

// throughputKbps is a rough link throughput by type and strength
var throughputKbps = map[domain.ConnectionType]map[domain.SignalStrength]int64{
	domain.ConnectionEthernet: {
		domain.StrengthExcellent: 100_000, domain.StrengthGood: 50_000, domain.StrengthFair: 10_000, domain.StrengthPoor: 2_000,
	},
	domain.ConnectionWifi: {
		domain.StrengthExcellent: 50_000, domain.StrengthGood: 20_000, domain.StrengthFair: 5_000, domain.StrengthPoor: 1_000,
	},
	domain.ConnectionCellular: {
		domain.StrengthExcellent: 20_000, domain.StrengthGood: 8_000, domain.StrengthFair: 2_000, domain.StrengthPoor: 500,
	},
}

// EstimateTransferTime returns how long size bytes take over cond
func EstimateTransferTime(size int64, cond domain.NetworkCondition) time.Duration {
	if size <= 0 {
		return 0
	}
	kbps := int64(2_000)
	if byStrength, ok := throughputKbps[cond.Type]; ok {
		if v, ok := byStrength[cond.Strength]; ok {
			kbps = v
		}
	}
	bytesPerSecond := kbps * 1000 / 8
	return time.Duration(float64(size) / float64(bytesPerSecond) * float64(time.Second))
}

// Preferences returns the persisted preferences, or the defaults when none
// are stored or the stored blob is corrupt
func (s *Selector) Preferences(ctx context.Context) (domain.QualityPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs != nil {
		return *s.prefs, nil
	}

	raw, ok, err := s.store.Get(ctx, port.KeyQualityPreferences)
	if err != nil {
		return domain.QualityPreferences{}, fmt.Errorf("failed to read quality preferences: %w", err)
	}
	prefs := s.defaults
	if ok && len(raw) > 0 {
		var stored domain.QualityPreferences
		if err := json.Unmarshal(raw, &stored); err != nil {
			s.logger.Warn("quality preferences corrupt, using defaults", zap.Error(err))
		} else {
			prefs = stored
		}
	}
	s.prefs = &prefs
	return prefs, nil
}

// UpdatePreferences validates and persists prefs
func (s *Selector) UpdatePreferences(ctx context.Context, prefs domain.QualityPreferences) error {
	if !ValidTier(prefs.Tier) {
		return fmt.Errorf("quality tier %q: %w", prefs.Tier, domain.ErrInvalidInput)
	}
	if prefs.MaxBitrateKbps < 0 {
		return fmt.Errorf("max bitrate must not be negative: %w", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(ctx, port.KeyQualityPreferences, data); err != nil {
		return fmt.Errorf("failed to persist quality preferences: %w", err)
	}
	s.prefs = &prefs

	s.logger.Info("quality preferences updated",
		zap.Bool("auto", prefs.Auto),
		zap.String("tier", string(prefs.Tier)),
		zap.Bool("allow_cellular", prefs.AllowCellular),
		zap.Bool("data_saver", prefs.DataSaver))
	return nil
}
