package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/port/porttest"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeRecords implements Records over a MemFS
type fakeRecords struct {
	mu        sync.Mutex
	recs      []domain.DownloadRecord
	fs        *porttest.MemFS
	cancelErr map[string]error
}

func (f *fakeRecords) List() []domain.DownloadRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DownloadRecord(nil), f.recs...)
}

func (f *fakeRecords) ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord {
	out := make([]domain.DownloadRecord, 0)
	for _, rec := range f.List() {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeRecords) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cancelErr[id]; err != nil {
		return err
	}
	kept := f.recs[:0]
	for _, rec := range f.recs {
		if rec.ID == id {
			_ = f.fs.DeleteFile(rec.LocalPath)
			continue
		}
		kept = append(kept, rec)
	}
	f.recs = kept
	return nil
}

type harness struct {
	a       *Accountant
	records *fakeRecords
	fs      *porttest.MemFS
	store   *porttest.MemStore
	clock   *clock.Fake
	cfg     Config
}

func newHarness(t *testing.T, mutate func(c *Config)) *harness {
	t.Helper()
	cfg := Config{
		DeviceCapacity:   10_000,
		UsageCacheTTL:    30 * time.Second,
		AgeThresholdDays: 30,
		RarelyUsedDays:   30,
		ReclaimAdvise:    1_000_000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fs := porttest.NewMemFS("/data")
	h := &harness{
		records: &fakeRecords{fs: fs, cancelErr: make(map[string]error)},
		fs:      fs,
		store:   porttest.NewMemStore(),
		clock:   clock.NewFake(now),
		cfg:     cfg,
	}
	h.a = h.build()
	return h
}

func (h *harness) build() *Accountant {
	cfg := h.cfg
	return New(&cfg, h.records, h.fs, h.store, h.clock, nil, zap.NewNop())
}

// add stores a record and, for sizes > 0, its file
func (h *harness) add(id string, kind domain.ContentKind, title string, status domain.DownloadStatus, size int, updated time.Time) {
	path := "/data/" + kind.Dir() + "/" + id + kind.Extension()
	if size > 0 {
		h.fs.WriteFile(path, []byte(strings.Repeat("x", size)), updated)
	}
	h.records.mu.Lock()
	defer h.records.mu.Unlock()
	h.records.recs = append(h.records.recs, domain.DownloadRecord{
		ID: id, Kind: kind, Title: title, LocalPath: path, Status: status,
		CreatedAt: updated, UpdatedAt: updated,
	})
}

func (h *harness) touch(id string, at time.Time) {
	h.records.mu.Lock()
	defer h.records.mu.Unlock()
	for i := range h.records.recs {
		if h.records.recs[i].ID == id {
			h.records.recs[i].Touch(at)
		}
	}
}

func daysAgo(d int) time.Time {
	return now.AddDate(0, 0, -d)
}

func TestAccountant_Usage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.add("a", domain.KindAudio, "A", domain.DownloadCompleted, 1000, now)
	h.add("b", domain.KindArticle, "B", domain.DownloadCompleted, 3000, now)
	h.add("p", domain.KindAudio, "P", domain.DownloadPending, 500, now)
	h.add("gone", domain.KindAudio, "Gone", domain.DownloadCompleted, 0, now)

	u := h.a.Usage(ctx)
	assert.Equal(t, int64(10_000), u.TotalBytes)
	assert.Equal(t, int64(4000), u.UsedBytes, "missing files count as zero")
	assert.Equal(t, int64(6000), u.AvailableBytes)
	assert.Equal(t, 3, u.CompletedCount)
	assert.InDelta(t, 40.0, u.UsagePercent, 0.001)
	assert.Equal(t, now, u.ComputedAt)

	h.add("c", domain.KindImage, "C", domain.DownloadCompleted, 2000, now)
	assert.Equal(t, int64(4000), h.a.Usage(ctx).UsedBytes, "cached within ttl")

	h.clock.Advance(31 * time.Second)
	assert.Equal(t, int64(6000), h.a.Usage(ctx).UsedBytes)
}

func TestAccountant_UsageNeverNegative(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeviceCapacity = 100 })
	h.add("a", domain.KindAudio, "A", domain.DownloadCompleted, 500, now)

	u := h.a.Usage(context.Background())
	assert.Zero(t, u.AvailableBytes)
	assert.InDelta(t, 500.0, u.UsagePercent, 0.001)
}

func TestAccountant_ByContentKind(t *testing.T) {
	h := newHarness(t, nil)
	h.add("a1", domain.KindAudio, "A1", domain.DownloadCompleted, 1000, now)
	h.add("a2", domain.KindAudio, "A2", domain.DownloadCompleted, 3000, now)
	h.add("d1", domain.KindDocument, "D1", domain.DownloadCompleted, 500, now)
	h.add("f1", domain.KindAudio, "F1", domain.DownloadFailed, 0, now)

	kinds := h.a.ByContentKind(context.Background())

	assert.Equal(t, KindUsage{Count: 2, TotalBytes: 4000, AverageBytes: 2000}, kinds[domain.KindAudio])
	assert.Equal(t, KindUsage{Count: 1, TotalBytes: 500, AverageBytes: 500}, kinds[domain.KindDocument])
	assert.Equal(t, KindUsage{}, kinds[domain.KindImage])
	assert.Len(t, kinds, len(domain.ContentKinds))
}

func TestAccountant_Analytics(t *testing.T) {
	t.Run("no downloads", func(t *testing.T) {
		h := newHarness(t, nil)
		an := h.a.Analytics(context.Background())
		assert.Equal(t, 1.0, an.SuccessRate)
		assert.Zero(t, an.TotalDownloads)
	})

	t.Run("mixed outcomes", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add("a", domain.KindAudio, "A", domain.DownloadCompleted, 100, now)
		h.add("b", domain.KindAudio, "B", domain.DownloadCompleted, 300, now)
		h.add("c", domain.KindAudio, "C", domain.DownloadCompleted, 200, now)
		h.add("f", domain.KindAudio, "F", domain.DownloadFailed, 0, now)
		h.add("p", domain.KindAudio, "P", domain.DownloadPending, 0, now)

		an := h.a.Analytics(context.Background())
		assert.Equal(t, 5, an.TotalDownloads)
		assert.Equal(t, 3, an.Completed)
		assert.Equal(t, 1, an.Failed)
		assert.InDelta(t, 0.75, an.SuccessRate, 0.0001)
		assert.Equal(t, int64(200), an.AverageBytes)
		assert.Equal(t, int64(300), an.LargestBytes)
		assert.Equal(t, int64(100), an.SmallestBytes)
	})
}

func TestAccountant_Recommendations(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReclaimAdvise = 700 })
	h.add("old", domain.KindAudio, "Old", domain.DownloadCompleted, 600, daysAgo(40))
	h.add("idle", domain.KindAudio, "Idle", domain.DownloadCompleted, 300, daysAgo(20))
	h.add("fresh", domain.KindAudio, "Fresh", domain.DownloadCompleted, 100, daysAgo(1))
	h.touch("fresh", now)
	h.add("dup-old", domain.KindArticle, "News", domain.DownloadCompleted, 200, daysAgo(3))
	h.add("dup-new", domain.KindArticle, "news ", domain.DownloadCompleted, 250, daysAgo(2))
	h.add("failed", domain.KindImage, "Broken", domain.DownloadFailed, 0, now)

	rec := h.a.Recommendations(context.Background())

	ids := func(cs []Candidate) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}
	assert.Equal(t, []string{"old"}, ids(rec.OldContent))
	assert.Equal(t, []string{"old"}, ids(rec.RarelyUsed))
	assert.Equal(t, []string{"dup-old"}, ids(rec.Duplicates), "newest copy is kept")
	assert.Equal(t, []string{"failed"}, ids(rec.FailedDownloads))
	assert.Equal(t, int64(600+200), rec.ReclaimableBytes, "each record counted once")
	assert.True(t, rec.ShouldCleanup)
	require.Len(t, rec.Suggestions, 4)
	assert.Contains(t, rec.Suggestions[0], "older than 30 days")
	assert.Contains(t, rec.Suggestions[2], "duplicate")
}

func TestAccountant_RarelyUsed(t *testing.T) {
	ids := func(cs []Candidate) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}

	t.Run("default threshold is 30 days", func(t *testing.T) {
		a := New(nil, &fakeRecords{}, porttest.NewMemFS("/data"), porttest.NewMemStore(), clock.NewFake(now), nil, zap.NewNop())
		assert.Equal(t, 30, a.config.RarelyUsedDays)
		assert.Zero(t, a.config.IdleDays)
	})

	t.Run("measured from last update", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add("recent", domain.KindAudio, "Recent", domain.DownloadCompleted, 100, daysAgo(20))
		h.add("stale", domain.KindAudio, "Stale", domain.DownloadCompleted, 100, daysAgo(31))
		h.touch("stale", now)

		rec := h.a.Recommendations(context.Background())
		assert.Equal(t, []string{"stale"}, ids(rec.RarelyUsed), "opening a copy does not reset its update age")
	})

	t.Run("idle threshold is opt-in", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.IdleDays = 14 })
		h.add("unopened", domain.KindAudio, "Unopened", domain.DownloadCompleted, 100, daysAgo(20))
		h.add("opened", domain.KindAudio, "Opened", domain.DownloadCompleted, 100, daysAgo(20))
		h.touch("opened", daysAgo(2))

		rec := h.a.Recommendations(context.Background())
		assert.Equal(t, []string{"unopened"}, ids(rec.RarelyUsed))
	})
}

func TestAccountant_HealthScore(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		cfg   func(c *Config)
		want  int
	}{
		{
			name:  "empty",
			setup: func(h *harness) {},
			want:  100,
		},
		{
			name: "half full",
			cfg:  func(c *Config) { c.DeviceCapacity = 2000 },
			setup: func(h *harness) {
				h.add("a", domain.KindAudio, "A", domain.DownloadCompleted, 1000, now)
				h.touch("a", now)
			},
			want: 90,
		},
		{
			name: "nearly full and failing",
			cfg:  func(c *Config) { c.DeviceCapacity = 2000 },
			setup: func(h *harness) {
				h.add("a", domain.KindAudio, "A", domain.DownloadCompleted, 1700, now)
				h.touch("a", now)
				h.add("f", domain.KindAudio, "F", domain.DownloadFailed, 0, now)
			},
			want: 45,
		},
		{
			name: "many failures",
			setup: func(h *harness) {
				for i := 0; i < 11; i++ {
					h.add(string(rune('a'+i)), domain.KindAudio, "F", domain.DownloadFailed, 0, now)
				}
			},
			want: 65,
		},
		{
			name: "cleanup recommended",
			cfg: func(c *Config) {
				c.DeviceCapacity = 1_000_000
				c.ReclaimAdvise = 500
			},
			setup: func(h *harness) {
				h.add("old", domain.KindAudio, "Old", domain.DownloadCompleted, 1000, daysAgo(60))
			},
			want: 85,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg)
			tt.setup(h)
			assert.Equal(t, tt.want, h.a.HealthScore(context.Background()))
		})
	}
}

func TestAccountant_CleanupOldContent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.add("old1", domain.KindAudio, "One", domain.DownloadCompleted, 500, daysAgo(35))
	h.add("old2", domain.KindAudio, "Two", domain.DownloadCompleted, 700, daysAgo(31))
	h.add("fresh", domain.KindAudio, "Three", domain.DownloadCompleted, 900, daysAgo(10))
	h.add("failed", domain.KindAudio, "Four", domain.DownloadFailed, 0, daysAgo(90))

	before := h.a.Usage(ctx)
	assert.Equal(t, int64(2100), before.UsedBytes)

	res, err := h.a.Cleanup(ctx, CleanupOptions{RemoveOldContent: true, AgeThresholdDays: 30})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RemovedCount)
	assert.Equal(t, int64(1200), res.FreedBytes)
	require.Len(t, res.Summary, 1)
	assert.Contains(t, res.Summary[0], "Removed 2 old items")

	remaining := h.records.List()
	require.Len(t, remaining, 2)
	assert.False(t, h.fs.FileExists("/data/audio/old1.mp3"))
	assert.True(t, h.fs.FileExists("/data/audio/fresh.mp3"))

	assert.Equal(t, int64(900), h.a.Usage(ctx).UsedBytes, "cleanup invalidates the usage cache")

	an := h.a.Analytics(ctx)
	assert.Equal(t, int64(1200), an.CumulativeSavedBytes)
	assert.Equal(t, 1, an.CleanupRuns)
	require.NotNil(t, an.LastCleanupAt)

	// Savings accumulate across restarts
	h.add("old3", domain.KindAudio, "Five", domain.DownloadCompleted, 300, daysAgo(45))
	reloaded := h.build()
	_, err = reloaded.Cleanup(ctx, CleanupOptions{RemoveOldContent: true})
	require.NoError(t, err)
	an = reloaded.Analytics(ctx)
	assert.Equal(t, int64(1500), an.CumulativeSavedBytes)
	assert.Equal(t, 2, an.CleanupRuns)
	assert.Positive(t, h.store.Writes(port.KeyStorageAnalytics))
}

func TestAccountant_CleanupRemovesEachRecordOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.add("both", domain.KindAudio, "Both", domain.DownloadCompleted, 400, daysAgo(40))
	h.add("dup-old", domain.KindAudio, "Dup", domain.DownloadCompleted, 100, daysAgo(2))
	h.add("dup-new", domain.KindAudio, "Dup", domain.DownloadCompleted, 100, daysAgo(1))
	h.touch("dup-old", now)
	h.touch("dup-new", now)
	h.add("failed", domain.KindAudio, "Failed", domain.DownloadFailed, 0, now)

	res, err := h.a.Cleanup(context.Background(), CleanupOptions{
		RemoveOldContent:      true,
		RemoveRarelyUsed:      true,
		RemoveDuplicates:      true,
		RemoveFailedDownloads: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.RemovedCount)
	assert.Equal(t, int64(500), res.FreedBytes)
	assert.Len(t, res.Summary, 3, "rarely used found nothing left to remove")

	remaining := h.records.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, "dup-new", remaining[0].ID)
}

func TestAccountant_CleanupSizeThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.add("small", domain.KindAudio, "Small", domain.DownloadCompleted, 100, daysAgo(40))
	h.add("large", domain.KindAudio, "Large", domain.DownloadCompleted, 5000, daysAgo(40))

	res, err := h.a.Cleanup(context.Background(), CleanupOptions{RemoveOldContent: true, SizeThresholdBytes: 1000})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RemovedCount)
	assert.Equal(t, int64(5000), res.FreedBytes)
}

func TestAccountant_CleanupReportsRemovalFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.add("old", domain.KindAudio, "Old", domain.DownloadCompleted, 100, daysAgo(40))
	h.records.cancelErr["old"] = errors.New("disk busy")

	res, err := h.a.Cleanup(context.Background(), CleanupOptions{RemoveOldContent: true})
	assert.Error(t, err)
	assert.Zero(t, res.RemovedCount)
	assert.Len(t, h.records.List(), 1)
}

func TestAccountant_RecommendedCleanup(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReclaimAdvise = 50 })
	h.add("old", domain.KindAudio, "Old", domain.DownloadCompleted, 100, daysAgo(40))

	opts, should := h.a.RecommendedCleanup(context.Background())
	assert.True(t, should)
	assert.True(t, opts.RemoveOldContent)
	assert.True(t, opts.RemoveRarelyUsed)
	assert.False(t, opts.RemoveDuplicates)
	assert.False(t, opts.RemoveFailedDownloads)
}
