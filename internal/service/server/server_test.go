package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/service/quality"
	"github.com/vertextoedge/offline-sync/internal/service/storage"
	"github.com/vertextoedge/offline-sync/internal/service/syncqueue"
)

type fakeDownloads struct {
	enqueueErr error
	opErr      error
	records    map[string]domain.DownloadRecord
	paths      map[string]string

	enqueuedURL  string
	enqueuedMeta domain.Metadata
}

func (f *fakeDownloads) Enqueue(ctx context.Context, kind domain.ContentKind, title, url string, meta domain.Metadata) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueuedURL, f.enqueuedMeta = url, meta
	return "dl-1", nil
}
func (f *fakeDownloads) Pause(ctx context.Context, id string) error  { return f.opErr }
func (f *fakeDownloads) Resume(ctx context.Context, id string) error { return f.opErr }
func (f *fakeDownloads) Cancel(ctx context.Context, id string) error { return f.opErr }
func (f *fakeDownloads) Status(id string) (domain.DownloadRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return domain.DownloadRecord{}, domain.ErrRecordNotFound
	}
	return rec, nil
}
func (f *fakeDownloads) List() []domain.DownloadRecord {
	out := make([]domain.DownloadRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out
}
func (f *fakeDownloads) ListByKind(kind domain.ContentKind) []domain.DownloadRecord { return nil }
func (f *fakeDownloads) ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord {
	return nil
}
func (f *fakeDownloads) IsAvailableOffline(url string) bool {
	_, ok := f.paths[url]
	return ok
}
func (f *fakeDownloads) LocalPathFor(ctx context.Context, url string) (string, bool) {
	p, ok := f.paths[url]
	return p, ok
}

type fakeSync struct {
	options    domain.SyncOptions
	resolveErr error
	triggered  int
	updated    *domain.SyncOptions
}

func (f *fakeSync) AddItem(ctx context.Context, in syncqueue.NewItem) (*domain.SyncItem, error) {
	if in.ContentID == "" {
		return nil, domain.ErrInvalidInput
	}
	return &domain.SyncItem{ID: "item-1", Operation: in.Operation, ContentID: in.ContentID, Status: domain.SyncPending}, nil
}
func (f *fakeSync) Queue() []domain.SyncItem            { return []domain.SyncItem{} }
func (f *fakeSync) Conflicts() []domain.SyncConflict    { return []domain.SyncConflict{} }
func (f *fakeSync) AllConflicts() []domain.SyncConflict { return []domain.SyncConflict{} }
func (f *fakeSync) ResolveConflict(ctx context.Context, itemID string, res domain.Resolution) (domain.SyncConflict, error) {
	if f.resolveErr != nil {
		return domain.SyncConflict{}, f.resolveErr
	}
	return domain.SyncConflict{SyncItemID: itemID, Resolution: res}, nil
}
func (f *fakeSync) Trigger()                               { f.triggered++ }
func (f *fakeSync) Pause(ctx context.Context)              {}
func (f *fakeSync) Resume(ctx context.Context)             {}
func (f *fakeSync) RetryFailed(ctx context.Context) int    { return 2 }
func (f *fakeSync) ClearCompleted(ctx context.Context) int { return 3 }
func (f *fakeSync) Progress() syncqueue.Progress           { return syncqueue.Progress{Total: 4} }
func (f *fakeSync) StatusSummary(ctx context.Context) syncqueue.StatusSummary {
	return syncqueue.StatusSummary{QueueLength: 4}
}
func (f *fakeSync) Options() domain.SyncOptions { return f.options }
func (f *fakeSync) UpdateOptions(ctx context.Context, opts domain.SyncOptions) error {
	if opts.MaxConcurrent < 1 {
		return domain.ErrInvalidInput
	}
	f.options = opts
	f.updated = &opts
	return nil
}

type fakeQuality struct {
	prefs domain.QualityPreferences
}

func (f *fakeQuality) Select(ctx context.Context, url string, duration time.Duration) quality.Selection {
	return quality.Selection{
		Tier:           domain.TierLow,
		URL:            quality.TierURL(url, domain.TierLow),
		EstimatedBytes: quality.EstimateSize(domain.TierLow, duration),
	}
}
func (f *fakeQuality) Preferences(ctx context.Context) (domain.QualityPreferences, error) {
	return f.prefs, nil
}
func (f *fakeQuality) UpdatePreferences(ctx context.Context, prefs domain.QualityPreferences) error {
	f.prefs = prefs
	return nil
}

type fakeStorage struct {
	cleanupOpts storage.CleanupOptions
}

func (f *fakeStorage) Usage(ctx context.Context) domain.StorageUsageSnapshot {
	return domain.StorageUsageSnapshot{TotalBytes: 100, UsedBytes: 40}
}
func (f *fakeStorage) ByContentKind(ctx context.Context) map[domain.ContentKind]storage.KindUsage {
	return map[domain.ContentKind]storage.KindUsage{domain.KindAudio: {Count: 1}}
}
func (f *fakeStorage) Analytics(ctx context.Context) storage.Analytics {
	return storage.Analytics{SuccessRate: 1}
}
func (f *fakeStorage) Recommendations(ctx context.Context) storage.Recommendations {
	return storage.Recommendations{}
}
func (f *fakeStorage) HealthScore(ctx context.Context) int { return 88 }
func (f *fakeStorage) Cleanup(ctx context.Context, opts storage.CleanupOptions) (storage.CleanupResult, error) {
	f.cleanupOpts = opts
	return storage.CleanupResult{RemovedCount: 2, FreedBytes: 2048}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type harness struct {
	srv       *Server
	downloads *fakeDownloads
	sync      *fakeSync
	quality   *fakeQuality
	storage   *fakeStorage
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	h := &harness{
		downloads: &fakeDownloads{records: map[string]domain.DownloadRecord{}, paths: map[string]string{}},
		sync:      &fakeSync{options: domain.DefaultSyncOptions()},
		quality:   &fakeQuality{prefs: domain.DefaultQualityPreferences()},
		storage:   &fakeStorage{},
	}
	h.srv = New(cfg, Services{
		Downloads: h.downloads,
		Sync:      h.sync,
		Quality:   h.quality,
		Storage:   h.storage,
		Store:     fakePinger{},
	}, nil, zap.NewNop())
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	h.srv.services.Store = fakePinger{err: errors.New("db gone")}
	rec = h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_EnqueueErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"created", nil, http.StatusCreated},
		{"offline", domain.ErrNoNetwork, http.StatusServiceUnavailable},
		{"disk full", domain.ErrInsufficientSpace, http.StatusInsufficientStorage},
		{"bad input", domain.ErrInvalidInput, http.StatusBadRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.downloads.enqueueErr = tt.err
			rec := h.do(http.MethodPost, "/downloads/", `{"contentKind":"audio","title":"Ep 1","url":"https://cdn.example/ep1.mp3"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_EnqueueWithAutoQuality(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/downloads/", `{"contentKind":"audio","title":"Ep 1","url":"https://cdn.example/ep1.mp3","autoQuality":true,"durationSeconds":60}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dl-1", resp.ID)
	require.NotNil(t, resp.Selection)
	assert.Equal(t, domain.TierLow, resp.Selection.Tier)

	assert.Contains(t, h.downloads.enqueuedURL, "quality=low")
	require.NotNil(t, h.downloads.enqueuedMeta.Quality)
	assert.Equal(t, "https://cdn.example/ep1.mp3", h.downloads.enqueuedMeta.Quality.OriginalURL)
}

func TestServer_DownloadLookupAndTransitions(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/downloads/missing", "").Code)

	h.downloads.records["dl-1"] = domain.DownloadRecord{ID: "dl-1", Status: domain.DownloadPaused}
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/downloads/dl-1", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/downloads/dl-1/resume", "").Code)

	h.downloads.opErr = domain.ErrInvalidStateTransition
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/downloads/dl-1/pause", "").Code)

	h.downloads.opErr = nil
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/downloads/dl-1", "").Code)
}

func TestServer_Offline(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "ep1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("doc-bytes"), 0644))
	h.downloads.paths["https://cdn.example/ep1.mp3"] = path

	rec := h.do(http.MethodGet, "/offline?url=https://cdn.example/ep1.mp3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":true`)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/offline", "").Code)

	rec = h.do(http.MethodGet, "/offline/file?url=https://cdn.example/ep1.mp3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc-bytes", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/offline/file?url=https://cdn.example/none.mp3", "").Code)
}

func TestServer_SyncRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/sync/items", `{"operation":"update","contentKind":"article","contentId":"a-1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sync/items", `{"operation":"update"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sync/items", `not json`).Code)

	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/sync/start", "").Code)
	assert.Equal(t, 1, h.sync.triggered)

	assert.Contains(t, h.do(http.MethodPost, "/sync/retry", "").Body.String(), `"rearmed":2`)
	assert.Contains(t, h.do(http.MethodDelete, "/sync/completed", "").Body.String(), `"removed":3`)
	assert.Contains(t, h.do(http.MethodGet, "/sync/progress", "").Body.String(), `"total":4`)
	assert.Contains(t, h.do(http.MethodGet, "/sync/status", "").Body.String(), `"queueLength":4`)
}

func TestServer_ResolveConflict(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/sync/conflicts/item-1/resolve", `{"resolution":"local"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"syncItemId":"item-1"`)

	h.sync.resolveErr = domain.ErrConflictNotFound
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/sync/conflicts/item-2/resolve", `{"resolution":"local"}`).Code)
}

func TestServer_UpdateSyncOptionsIsPartial(t *testing.T) {
	h := newHarness(t, nil)
	before := h.sync.options

	rec := h.do(http.MethodPut, "/sync/options", `{"allowCellular":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.sync.updated)
	assert.True(t, h.sync.updated.AllowCellular)
	assert.Equal(t, before.MaxConcurrent, h.sync.updated.MaxConcurrent)
	assert.Equal(t, before.ConflictResolution, h.sync.updated.ConflictResolution)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPut, "/sync/options", `{"maxConcurrentSyncs":0}`).Code)
}

func TestServer_Quality(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/quality/select?url=https://cdn.example/a.mp3&duration=60", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sel quality.Selection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Equal(t, domain.TierLow, sel.Tier)
	assert.Equal(t, quality.EstimateSize(domain.TierLow, time.Minute), sel.EstimatedBytes)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/quality/select?url=x&duration=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/quality/select", "").Code)

	rec = h.do(http.MethodPut, "/quality/preferences", `{"dataSaver":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.quality.prefs.DataSaver)
	assert.Equal(t, domain.DefaultQualityPreferences().Tier, h.quality.prefs.Tier)
}

func TestServer_Storage(t *testing.T) {
	h := newHarness(t, nil)

	assert.Contains(t, h.do(http.MethodGet, "/storage/usage", "").Body.String(), `"usedBytes":40`)
	assert.Contains(t, h.do(http.MethodGet, "/storage/kinds", "").Body.String(), `"audio"`)
	assert.Contains(t, h.do(http.MethodGet, "/storage/health", "").Body.String(), `"score":88`)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/storage/analytics", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/storage/recommendations", "").Code)

	rec := h.do(http.MethodPost, "/storage/cleanup", `{"removeOldContent":true,"ageThresholdDays":45}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.storage.cleanupOpts.RemoveOldContent)
	assert.Equal(t, 45, h.storage.cleanupOpts.AgeThresholdDays)
	assert.Contains(t, rec.Body.String(), `"removedCount":2`)
}

func TestServer_BasicAuth(t *testing.T) {
	h := newHarness(t, &Config{Username: "admin", Password: "secret"})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code, "health stays open")
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/storage/usage", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/storage/usage", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/storage/usage", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsWithoutTelemetry(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/metrics", "").Code)
}
