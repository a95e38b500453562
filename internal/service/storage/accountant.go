package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/telemetry"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
)

// Records is the part of the download engine storage accounting reads and
// removes through
type Records interface {
	List() []domain.DownloadRecord
	ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord
	Cancel(ctx context.Context, id string) error
}

// Config contains storage accounting configuration
type Config struct {
	// DeviceCapacity is the storage budget in bytes usage is measured against
	DeviceCapacity int64

	// UsageCacheTTL is how long a usage snapshot is reused
	UsageCacheTTL time.Duration

	// AgeThresholdDays marks completed content as old
	AgeThresholdDays int

	// RarelyUsedDays marks completed content not updated since as rarely used
	RarelyUsedDays int

	// IdleDays additionally marks content not opened since as rarely used; 0 disables it
	IdleDays int

	// ReclaimAdvise is the reclaimable size above which cleanup is recommended
	ReclaimAdvise int64
}

// DefaultConfig returns default storage accounting configuration
func DefaultConfig() *Config {
	return &Config{
		DeviceCapacity:   32 * 1024 * 1024 * 1024,
		UsageCacheTTL:    30 * time.Second,
		AgeThresholdDays: 30,
		RarelyUsedDays:   30,
		ReclaimAdvise:    100 * 1024 * 1024,
	}
}

// KindUsage aggregates completed downloads of one content kind
type KindUsage struct {
	Count        int   `json:"count"`
	TotalBytes   int64 `json:"totalBytes"`
	AverageBytes int64 `json:"averageBytes"`
}

// Analytics summarizes download outcomes and cleanup history
type Analytics struct {
	TotalDownloads       int        `json:"totalDownloads"`
	Completed            int        `json:"completed"`
	Failed               int        `json:"failed"`
	SuccessRate          float64    `json:"successRate"`
	AverageBytes         int64      `json:"averageBytes"`
	LargestBytes         int64      `json:"largestBytes"`
	SmallestBytes        int64      `json:"smallestBytes"`
	CumulativeSavedBytes int64      `json:"cumulativeSavedBytes"`
	CleanupRuns          int        `json:"cleanupRuns"`
	LastCleanupAt        *time.Time `json:"lastCleanupAt,omitempty"`
}

// Candidate is a record cleanup would remove
type Candidate struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Kind      domain.ContentKind `json:"contentKind"`
	SizeBytes int64              `json:"sizeBytes"`
}

// Recommendations lists what cleanup could reclaim
type Recommendations struct {
	OldContent       []Candidate `json:"oldContent"`
	RarelyUsed       []Candidate `json:"rarelyUsed"`
	Duplicates       []Candidate `json:"duplicates"`
	FailedDownloads  []Candidate `json:"failedDownloads"`
	ReclaimableBytes int64       `json:"reclaimableBytes"`
	ShouldCleanup    bool        `json:"shouldCleanup"`
	Suggestions      []string    `json:"suggestions"`
}

// CleanupOptions selects what Cleanup removes
type CleanupOptions struct {
	RemoveOldContent      bool `json:"removeOldContent"`
	RemoveFailedDownloads bool `json:"removeFailedDownloads"`
	RemoveRarelyUsed      bool `json:"removeRarelyUsed"`
	RemoveDuplicates      bool `json:"removeDuplicates"`

	// AgeThresholdDays overrides the configured age; 0 keeps it
	AgeThresholdDays int `json:"ageThresholdDays"`

	// SizeThresholdBytes limits completed-content categories to files at
	// least this large; 0 means any size
	SizeThresholdBytes int64 `json:"sizeThresholdBytes"`
}

// CleanupResult reports what Cleanup removed
type CleanupResult struct {
	RemovedCount int      `json:"removedCount"`
	FreedBytes   int64    `json:"freedBytes"`
	Summary      []string `json:"summary"`
}

// history is persisted under port.KeyStorageAnalytics
type history struct {
	CumulativeSavedBytes int64      `json:"cumulativeSavedBytes"`
	CleanupRuns          int        `json:"cleanupRuns"`
	LastCleanupAt        *time.Time `json:"lastCleanupAt,omitempty"`
}

// Accountant derives storage usage and analytics from download records and
// removes records through the download engine
type Accountant struct {
	config  *Config
	records Records
	fs      port.FileSystem
	store   port.KeyValueStore
	clock   clock.Clock
	tel     *telemetry.Telemetry
	logger  *zap.Logger

	mu       sync.Mutex
	cached   *domain.StorageUsageSnapshot
	cachedAt time.Time
	history  *history

	// cleanupMu serializes cleanups
	cleanupMu sync.Mutex
}

// New creates a new storage Accountant
func New(cfg *Config, records Records, fs port.FileSystem, store port.KeyValueStore, clk clock.Clock, tel *telemetry.Telemetry, logger *zap.Logger) *Accountant {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.DeviceCapacity <= 0 {
		cfg.DeviceCapacity = defaults.DeviceCapacity
	}
	if cfg.UsageCacheTTL < 0 {
		cfg.UsageCacheTTL = 0
	}
	if cfg.AgeThresholdDays <= 0 {
		cfg.AgeThresholdDays = defaults.AgeThresholdDays
	}
	if cfg.RarelyUsedDays <= 0 {
		cfg.RarelyUsedDays = defaults.RarelyUsedDays
	}
	if cfg.IdleDays < 0 {
		cfg.IdleDays = 0
	}
	if cfg.ReclaimAdvise <= 0 {
		cfg.ReclaimAdvise = defaults.ReclaimAdvise
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Accountant{
		config:  cfg,
		records: records,
		fs:      fs,
		store:   store,
		clock:   clk,
		tel:     tel,
		logger:  logger,
	}
}

// sizeOf returns the on-disk size of a record's file, 0 when it can't be read
func (a *Accountant) sizeOf(rec domain.DownloadRecord) int64 {
	if rec.LocalPath == "" {
		return 0
	}
	size, err := a.fs.GetFileSize(rec.LocalPath)
	if err != nil {
		return 0
	}
	return size
}

// Usage sums the on-disk size of completed downloads against the device
// capacity. Snapshots are reused for UsageCacheTTL.
func (a *Accountant) Usage(ctx context.Context) domain.StorageUsageSnapshot {
	now := a.clock.Now()

	a.mu.Lock()
	if a.cached != nil && now.Sub(a.cachedAt) < a.config.UsageCacheTTL {
		snap := *a.cached
		a.mu.Unlock()
		return snap
	}
	a.mu.Unlock()

	snap := domain.StorageUsageSnapshot{
		TotalBytes: a.config.DeviceCapacity,
		ComputedAt: now,
	}
	for _, rec := range a.records.ListByStatus(domain.DownloadCompleted) {
		snap.UsedBytes += a.sizeOf(rec)
		snap.CompletedCount++
	}
	snap.AvailableBytes = max(snap.TotalBytes-snap.UsedBytes, 0)
	if snap.TotalBytes > 0 {
		snap.UsagePercent = float64(snap.UsedBytes) / float64(snap.TotalBytes) * 100
	}

	a.mu.Lock()
	a.cached = &snap
	a.cachedAt = now
	a.mu.Unlock()
	return snap
}

func (a *Accountant) invalidate() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}

// ByContentKind aggregates completed downloads per kind
func (a *Accountant) ByContentKind(ctx context.Context) map[domain.ContentKind]KindUsage {
	out := make(map[domain.ContentKind]KindUsage, len(domain.ContentKinds))
	for _, k := range domain.ContentKinds {
		out[k] = KindUsage{}
	}
	for _, rec := range a.records.ListByStatus(domain.DownloadCompleted) {
		u := out[rec.Kind]
		u.Count++
		u.TotalBytes += a.sizeOf(rec)
		out[rec.Kind] = u
	}
	for k, u := range out {
		if u.Count > 0 {
			u.AverageBytes = u.TotalBytes / int64(u.Count)
			out[k] = u
		}
	}
	return out
}

// Analytics summarizes download outcomes and cleanup history. Success rate
// is 1 when nothing has finished yet.
func (a *Accountant) Analytics(ctx context.Context) Analytics {
	all := a.records.List()
	an := Analytics{TotalDownloads: len(all), SuccessRate: 1}

	var total int64
	for _, rec := range all {
		switch rec.Status {
		case domain.DownloadCompleted:
			an.Completed++
			size := a.sizeOf(rec)
			total += size
			if size > an.LargestBytes {
				an.LargestBytes = size
			}
			if an.Completed == 1 || size < an.SmallestBytes {
				an.SmallestBytes = size
			}
		case domain.DownloadFailed:
			an.Failed++
		}
	}
	if an.Completed > 0 {
		an.AverageBytes = total / int64(an.Completed)
	}
	if finished := an.Completed + an.Failed; finished > 0 {
		an.SuccessRate = float64(an.Completed) / float64(finished)
	}

	h := a.loadHistory(ctx)
	an.CumulativeSavedBytes = h.CumulativeSavedBytes
	an.CleanupRuns = h.CleanupRuns
	an.LastCleanupAt = h.LastCleanupAt
	return an
}

// Recommendations lists cleanup candidates per category and whether a
// cleanup is worth running
func (a *Accountant) Recommendations(ctx context.Context) Recommendations {
	now := a.clock.Now()
	completed := a.records.ListByStatus(domain.DownloadCompleted)
	failed := a.records.ListByStatus(domain.DownloadFailed)

	rec := Recommendations{
		OldContent:      a.candidates(oldContent(completed, now, a.config.AgeThresholdDays)),
		RarelyUsed:      a.candidates(rarelyUsed(completed, now, a.config.RarelyUsedDays, a.config.IdleDays)),
		Duplicates:      a.candidates(duplicates(completed)),
		FailedDownloads: a.candidates(failed),
	}

	seen := make(map[string]bool)
	for _, group := range [][]Candidate{rec.OldContent, rec.RarelyUsed, rec.Duplicates, rec.FailedDownloads} {
		for _, c := range group {
			if !seen[c.ID] {
				seen[c.ID] = true
				rec.ReclaimableBytes += c.SizeBytes
			}
		}
	}
	rec.ShouldCleanup = rec.ReclaimableBytes > a.config.ReclaimAdvise

	usage := a.Usage(ctx)
	if usage.UsagePercent > 80 {
		rec.Suggestions = append(rec.Suggestions, fmt.Sprintf("Storage is %.0f%% full, consider removing downloads", usage.UsagePercent))
	}
	if n := len(rec.OldContent); n > 0 {
		rec.Suggestions = append(rec.Suggestions, fmt.Sprintf("Remove %d items older than %d days to free %s",
			n, a.config.AgeThresholdDays, humanize.Bytes(uint64(sumSizes(rec.OldContent)))))
	}
	if n := len(rec.RarelyUsed); n > 0 {
		rec.Suggestions = append(rec.Suggestions, fmt.Sprintf("Remove %d items not updated in %d days to free %s",
			n, a.config.RarelyUsedDays, humanize.Bytes(uint64(sumSizes(rec.RarelyUsed)))))
	}
	if n := len(rec.Duplicates); n > 0 {
		rec.Suggestions = append(rec.Suggestions, fmt.Sprintf("Remove %d duplicate downloads to free %s",
			n, humanize.Bytes(uint64(sumSizes(rec.Duplicates)))))
	}
	if n := len(rec.FailedDownloads); n > 0 {
		rec.Suggestions = append(rec.Suggestions, fmt.Sprintf("Retry or remove %d failed downloads", n))
	}
	return rec
}

// HealthScore grades storage health from 0 to 100
func (a *Accountant) HealthScore(ctx context.Context) int {
	usage := a.Usage(ctx)
	an := a.Analytics(ctx)
	rec := a.Recommendations(ctx)

	score := 100
	switch {
	case usage.UsagePercent > 80:
		score -= 30
	case usage.UsagePercent > 60:
		score -= 20
	case usage.UsagePercent > 40:
		score -= 10
	}
	switch {
	case an.SuccessRate < 0.70:
		score -= 25
	case an.SuccessRate < 0.85:
		score -= 10
	}
	if rec.ShouldCleanup {
		score -= 15
	}
	if an.Failed > 10 {
		score -= 10
	}
	score = max(score, 0)

	a.tel.SetHealthScore(score)
	return score
}

// Cleanup removes the selected categories through the download engine. A
// record matching several categories is removed once and counted under the
// first one.
func (a *Accountant) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	a.cleanupMu.Lock()
	defer a.cleanupMu.Unlock()

	now := a.clock.Now()
	age := opts.AgeThresholdDays
	if age <= 0 {
		age = a.config.AgeThresholdDays
	}
	completed := a.records.ListByStatus(domain.DownloadCompleted)

	type category struct {
		enabled bool
		label   string
		records []domain.DownloadRecord
		minSize int64
	}
	categories := []category{
		{opts.RemoveOldContent, fmt.Sprintf("old items (older than %d days)", age), oldContent(completed, now, age), opts.SizeThresholdBytes},
		{opts.RemoveFailedDownloads, "failed downloads", a.records.ListByStatus(domain.DownloadFailed), 0},
		{opts.RemoveRarelyUsed, "rarely used items", rarelyUsed(completed, now, a.config.RarelyUsedDays, a.config.IdleDays), opts.SizeThresholdBytes},
		{opts.RemoveDuplicates, "duplicates", duplicates(completed), opts.SizeThresholdBytes},
	}

	result := CleanupResult{Summary: []string{}}
	removed := make(map[string]bool)
	var firstErr error

	for _, cat := range categories {
		if !cat.enabled {
			continue
		}
		count := 0
		var freed int64
		for _, rec := range cat.records {
			if removed[rec.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}
			size := a.sizeOf(rec)
			if cat.minSize > 0 && size < cat.minSize {
				continue
			}
			if err := a.records.Cancel(ctx, rec.ID); err != nil {
				a.logger.Warn("failed to remove download during cleanup",
					zap.String("id", rec.ID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			removed[rec.ID] = true
			count++
			freed += size
		}
		if count > 0 {
			result.Summary = append(result.Summary, fmt.Sprintf("Removed %d %s, freed %s", count, cat.label, humanize.Bytes(uint64(freed))))
		}
		result.RemovedCount += count
		result.FreedBytes += freed
	}

	a.invalidate()
	if err := a.recordCleanup(ctx, result.FreedBytes, now); err != nil {
		a.logger.Error("failed to persist storage analytics", zap.Error(err))
	}
	a.tel.RecordCleanup(result.FreedBytes)

	a.logger.Info("storage cleanup completed",
		zap.Int("removed", result.RemovedCount),
		zap.String("freed", humanize.Bytes(uint64(result.FreedBytes))))

	if result.RemovedCount == 0 && firstErr != nil {
		return result, fmt.Errorf("cleanup removed nothing: %w", firstErr)
	}
	return result, nil
}

// RecommendedCleanup returns cleanup options covering every category the
// current recommendations flag
func (a *Accountant) RecommendedCleanup(ctx context.Context) (CleanupOptions, bool) {
	rec := a.Recommendations(ctx)
	opts := CleanupOptions{
		RemoveOldContent:      len(rec.OldContent) > 0,
		RemoveFailedDownloads: len(rec.FailedDownloads) > 0,
		RemoveRarelyUsed:      len(rec.RarelyUsed) > 0,
		RemoveDuplicates:      len(rec.Duplicates) > 0,
	}
	return opts, rec.ShouldCleanup
}

func (a *Accountant) loadHistory(ctx context.Context) history {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history != nil {
		return *a.history
	}

	h := history{}
	raw, ok, err := a.store.Get(ctx, port.KeyStorageAnalytics)
	switch {
	case err != nil:
		a.logger.Warn("failed to read storage analytics", zap.Error(err))
		return h
	case ok && len(raw) > 0:
		if err := json.Unmarshal(raw, &h); err != nil {
			a.logger.Warn("storage analytics corrupt, starting empty", zap.Error(err))
			h = history{}
		}
	}
	a.history = &h
	return h
}

func (a *Accountant) recordCleanup(ctx context.Context, freed int64, now time.Time) error {
	h := a.loadHistory(ctx)
	h.CumulativeSavedBytes += freed
	h.CleanupRuns++
	h.LastCleanupAt = &now

	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.history = &h
	a.mu.Unlock()
	return a.store.Set(ctx, port.KeyStorageAnalytics, data)
}

func (a *Accountant) candidates(recs []domain.DownloadRecord) []Candidate {
	out := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Candidate{ID: rec.ID, Title: rec.Title, Kind: rec.Kind, SizeBytes: a.sizeOf(rec)})
	}
	return out
}

func sumSizes(cs []Candidate) int64 {
	var total int64
	for _, c := range cs {
		total += c.SizeBytes
	}
	return total
}

// oldContent returns records last updated more than days ago
func oldContent(recs []domain.DownloadRecord, now time.Time, days int) []domain.DownloadRecord {
	cutoff := now.AddDate(0, 0, -days)
	out := make([]domain.DownloadRecord, 0)
	for _, rec := range recs {
		if rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// rarelyUsed returns records not updated for more than days, plus records
// not opened for more than idleDays when idleDays is set
func rarelyUsed(recs []domain.DownloadRecord, now time.Time, days, idleDays int) []domain.DownloadRecord {
	cutoff := now.AddDate(0, 0, -days)
	out := make([]domain.DownloadRecord, 0)
	for _, rec := range recs {
		stale := rec.UpdatedAt.Before(cutoff)
		if !stale && idleDays > 0 {
			stale = rec.LastUsedAt().Before(now.AddDate(0, 0, -idleDays))
		}
		if stale {
			out = append(out, rec)
		}
	}
	return out
}

// duplicates returns every record but the newest of each kind and title
func duplicates(recs []domain.DownloadRecord) []domain.DownloadRecord {
	groups := make(map[string][]domain.DownloadRecord)
	for _, rec := range recs {
		key := string(rec.Kind) + "\x00" + strings.ToLower(strings.TrimSpace(rec.Title))
		groups[key] = append(groups[key], rec)
	}

	out := make([]domain.DownloadRecord, 0)
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.After(group[j].CreatedAt)
			}
			return group[i].ID > group[j].ID
		})
		out = append(out, group[1:]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
