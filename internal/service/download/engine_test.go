package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
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

const chunkSize = 4

// fakeFetcher serves in-memory bodies in fixed-size chunks. When gated, each
// chunk after the first waits for a release.
type fakeFetcher struct {
	mu           sync.Mutex
	bodies       map[string][]byte
	noRanges     map[string]bool
	failFetch    map[string]error
	gated        bool
	release      chan struct{}
	offsets      map[string][]int64
	probeSizeOff bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:    make(map[string][]byte),
		noRanges:  make(map[string]bool),
		failFetch: make(map[string]error),
		release:   make(chan struct{}, 1024),
		offsets:   make(map[string][]int64),
	}
}

func (f *fakeFetcher) setGated(gated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gated = gated
}

func (f *fakeFetcher) add(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
}

func (f *fakeFetcher) Probe(ctx context.Context, url string) (*port.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[url]
	if !ok {
		return nil, errors.New("404 not found")
	}
	res := &port.ProbeResult{AcceptRanges: !f.noRanges[url]}
	if !f.probeSizeOff {
		res.Size = int64(len(body))
	}
	return res, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFetch[url]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, errors.New("404 not found")
	}
	if offset > 0 && f.noRanges[url] {
		return nil, port.ErrRangeNotSupported
	}
	f.offsets[url] = append(f.offsets[url], offset)
	return &chunkReader{ctx: ctx, data: body[offset:], gated: f.gated, release: f.release}, nil
}

func (f *fakeFetcher) offsetsFor(url string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets[url]...)
}

// releaseChunks lets n gated chunks through
func (f *fakeFetcher) releaseChunks(n int) {
	for i := 0; i < n; i++ {
		f.release <- struct{}{}
	}
}

type chunkReader struct {
	ctx     context.Context
	data    []byte
	pos     int
	gated   bool
	release chan struct{}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	if r.gated && r.pos > 0 {
		select {
		case <-r.release:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	end := r.pos + chunkSize
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

type harness struct {
	engine  *Engine
	store   *porttest.MemStore
	fs      *porttest.MemFS
	fetcher *fakeFetcher
	network *porttest.Network
	clock   *clock.Fake
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	h := &harness{
		store:   porttest.NewMemStore(),
		fs:      porttest.NewMemFS("/data"),
		fetcher: newFakeFetcher(),
		network: porttest.Wifi(),
		clock:   clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.engine = New(cfg, h.store, h.fs, h.fetcher, h.network, nil, zap.NewNop(), WithClock(h.clock))
	t.Cleanup(func() { h.engine.Close() })
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.DownloadStatus) domain.DownloadRecord {
	t.Helper()
	var rec domain.DownloadRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = h.engine.Status(id)
		return err == nil && rec.Status == want
	}, 2*time.Second, 5*time.Millisecond, "record %s never reached %s", id, want)
	return rec
}

func (h *harness) waitTransferred(t *testing.T, id string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.engine.Status(id)
		return err == nil && rec.TransferredBytes == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) persisted(t *testing.T) []domain.DownloadRecord {
	t.Helper()
	raw, ok, err := h.store.Get(context.Background(), port.KeyDownloads)
	require.NoError(t, err)
	require.True(t, ok)
	var list []domain.DownloadRecord
	require.NoError(t, json.Unmarshal(raw, &list))
	return list
}

func TestEngine_EnqueueCompletes(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte("hello offline world")
	h.fetcher.add("https://cdn.example.com/a.mp3", body)

	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "Episode 1", "https://cdn.example.com/a.mp3", domain.Metadata{})
	require.NoError(t, err)

	rec := h.waitStatus(t, id, domain.DownloadCompleted)
	h.engine.Wait()

	assert.Equal(t, int64(len(body)), rec.TotalBytes)
	assert.Equal(t, rec.TotalBytes, rec.TransferredBytes)
	assert.Equal(t, 1.0, rec.Progress)

	data, ok := h.fs.ReadFile(rec.LocalPath)
	require.True(t, ok)
	assert.Equal(t, body, data)

	list := h.persisted(t)
	require.Len(t, list, 1)
	assert.Equal(t, domain.DownloadCompleted, list[0].Status)
}

func TestEngine_EnqueueRejections(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		h := newHarness(t, nil)
		h.network.Set(domain.NetworkCondition{Connected: false})

		_, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "x", "https://x/a", domain.Metadata{})
		assert.ErrorIs(t, err, domain.ErrNoNetwork)
		assert.Empty(t, h.engine.List())

		_, found, err := h.store.Get(context.Background(), port.KeyDownloads)
		require.NoError(t, err)
		assert.False(t, found, "rejected enqueue must not persist a record")
		assert.Zero(t, h.store.Writes(port.KeyDownloads))
	})

	t.Run("low space", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fs.Free = 10 * 1024 * 1024

		_, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "x", "https://x/a", domain.Metadata{})
		assert.ErrorIs(t, err, domain.ErrInsufficientSpace)
		assert.Empty(t, h.engine.List())
	})

	t.Run("free space unreadable is admitted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fs.DiskUsageErr = errors.New("statfs failed")
		h.fetcher.add("https://x/a", []byte("abc"))

		id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "x", "https://x/a", domain.Metadata{})
		require.NoError(t, err)
		h.waitStatus(t, id, domain.DownloadCompleted)
	})

	t.Run("invalid input", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.engine.Enqueue(context.Background(), domain.ContentKind("video"), "x", "https://x/a", domain.Metadata{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = h.engine.Enqueue(context.Background(), domain.KindAudio, "x", " ", domain.Metadata{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestEngine_ConcurrencyCap(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setGated(true)

	ids := make([]string, 5)
	for i := range ids {
		url := "https://cdn.example.com/" + string(rune('a'+i))
		h.fetcher.add(url, []byte("0123456789"))
		id, err := h.engine.Enqueue(context.Background(), domain.KindDocument, "doc", url, domain.Metadata{})
		require.NoError(t, err)
		ids[i] = id
	}

	assert.Equal(t, 3, h.engine.ActiveCount())
	assert.Len(t, h.engine.ListByStatus(domain.DownloadTransferring), 3)
	assert.Len(t, h.engine.ListByStatus(domain.DownloadPending), 2)

	// FIFO: the first three were admitted
	for _, id := range ids[:3] {
		rec, err := h.engine.Status(id)
		require.NoError(t, err)
		assert.Equal(t, domain.DownloadTransferring, rec.Status)
	}

	h.fetcher.releaseChunks(100)
	for _, id := range ids {
		h.waitStatus(t, id, domain.DownloadCompleted)
	}
	h.engine.Wait()
	assert.Equal(t, 0, h.engine.ActiveCount())
}

func TestEngine_PauseResumeUsesRange(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setGated(true)
	url := "https://cdn.example.com/talk.mp3"
	body := []byte("abcdefghijklmnopqrstuvwx")
	h.fetcher.add(url, body)

	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "Talk", url, domain.Metadata{})
	require.NoError(t, err)

	// First chunk is not gated; release one more
	h.waitTransferred(t, id, chunkSize)
	h.fetcher.releaseChunks(1)
	h.waitTransferred(t, id, 2*chunkSize)

	require.NoError(t, h.engine.Pause(context.Background(), id))
	rec, err := h.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadPaused, rec.Status)
	assert.Equal(t, int64(2*chunkSize), rec.TransferredBytes)

	size, err := h.fs.GetFileSize(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, rec.TransferredBytes, size, "partial file kept")

	assert.ErrorIs(t, h.engine.Pause(context.Background(), id), domain.ErrInvalidStateTransition)

	h.fetcher.setGated(false)
	require.NoError(t, h.engine.Resume(context.Background(), id))
	rec = h.waitStatus(t, id, domain.DownloadCompleted)
	h.engine.Wait()

	data, _ := h.fs.ReadFile(rec.LocalPath)
	assert.Equal(t, body, data)
	assert.Equal(t, []int64{0, 2 * chunkSize}, h.fetcher.offsetsFor(url))
}

func TestEngine_ResumeGoesToFrontOfQueue(t *testing.T) {
	h := newHarness(t, &Config{MaxConcurrent: 1})
	h.fetcher.setGated(true)
	h.fetcher.add("https://x/1", []byte("0123456789"))
	h.fetcher.add("https://x/2", []byte("0123456789"))
	h.fetcher.add("https://x/3", []byte("0123456789"))

	first, err := h.engine.Enqueue(context.Background(), domain.KindImage, "one", "https://x/1", domain.Metadata{})
	require.NoError(t, err)
	h.waitTransferred(t, first, chunkSize)
	require.NoError(t, h.engine.Pause(context.Background(), first))

	// Pausing freed the slot, so the second starts
	second, err := h.engine.Enqueue(context.Background(), domain.KindImage, "two", "https://x/2", domain.Metadata{})
	require.NoError(t, err)
	third, err := h.engine.Enqueue(context.Background(), domain.KindImage, "three", "https://x/3", domain.Metadata{})
	require.NoError(t, err)
	h.waitStatus(t, second, domain.DownloadTransferring)

	require.NoError(t, h.engine.Resume(context.Background(), first))

	h.fetcher.releaseChunks(2)
	h.waitStatus(t, second, domain.DownloadCompleted)

	// The resumed record is admitted before the older pending one
	h.waitStatus(t, first, domain.DownloadTransferring)
	rec, err := h.engine.Status(third)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadPending, rec.Status)

	h.fetcher.releaseChunks(100)
	h.waitStatus(t, third, domain.DownloadCompleted)
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setGated(true)
	h.fetcher.add("https://x/a", []byte("0123456789"))

	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "a", "https://x/a", domain.Metadata{})
	require.NoError(t, err)
	h.waitTransferred(t, id, chunkSize)
	rec, _ := h.engine.Status(id)

	require.NoError(t, h.engine.Cancel(context.Background(), id))
	_, err = h.engine.Status(id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, h.fs.FileExists(rec.LocalPath))
	assert.Equal(t, 0, h.engine.ActiveCount())
	assert.Empty(t, h.persisted(t))

	// Idempotent and tolerant of unknown ids
	assert.NoError(t, h.engine.Cancel(context.Background(), id))
	assert.NoError(t, h.engine.Cancel(context.Background(), "unknown"))
}

func TestEngine_FailureIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add("https://x/a", []byte("data"))
	h.fetcher.failFetch["https://x/a"] = errors.New("connection reset")

	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "a", "https://x/a", domain.Metadata{})
	require.NoError(t, err)

	rec := h.waitStatus(t, id, domain.DownloadFailed)
	h.engine.Wait()
	assert.Contains(t, rec.LastError, "connection reset")
	assert.Empty(t, h.fetcher.offsetsFor("https://x/a"))
	assert.Equal(t, domain.DownloadFailed, h.persisted(t)[0].Status)
}

func TestEngine_ShortTransferFails(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add("https://x/a", []byte("abc"))
	h.fetcher.probeSizeOff = true

	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "a", "https://x/a",
		domain.Metadata{File: &domain.FileMeta{Size: 10}})
	require.NoError(t, err)

	rec := h.waitStatus(t, id, domain.DownloadFailed)
	assert.Contains(t, rec.LastError, "short transfer")
}

func TestEngine_RestartWhenRangeRejected(t *testing.T) {
	h := newHarness(t, nil)
	url := "https://x/a.jpg"
	body := []byte("full-image-bytes")
	h.fetcher.add(url, body)
	h.fetcher.noRanges[url] = true

	// A stale partial file for a paused record
	rec := domain.NewDownloadRecord("rec-1", domain.KindImage, "pic", url, "/data/images/pic_1.jpg", domain.Metadata{}, h.clock.Now())
	rec.Status = domain.DownloadPaused
	rec.TransferredBytes = 4
	h.fs.WriteFile(rec.LocalPath, []byte("XXXX"), h.clock.Now())
	raw, _ := json.Marshal([]*domain.DownloadRecord{rec})
	h.store.Put(port.KeyDownloads, raw)
	require.NoError(t, h.engine.Load(context.Background()))

	require.NoError(t, h.engine.Resume(context.Background(), "rec-1"))
	h.waitStatus(t, "rec-1", domain.DownloadCompleted)

	data, _ := h.fs.ReadFile(rec.LocalPath)
	assert.Equal(t, body, data)
	assert.Equal(t, []int64{0}, h.fetcher.offsetsFor(url))
}

func TestEngine_LoadRequeuesInterrupted(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add("https://x/a", []byte("0123456789"))
	now := h.clock.Now()

	interrupted := domain.NewDownloadRecord("b", domain.KindAudio, "a", "https://x/a", "/data/audio/a_1.mp3", domain.Metadata{}, now)
	interrupted.Status = domain.DownloadTransferring
	interrupted.TransferredBytes = 4
	h.fs.WriteFile(interrupted.LocalPath, []byte("0123"), now)

	done := domain.NewDownloadRecord("a", domain.KindAudio, "b", "https://x/b", "/data/audio/b_1.mp3", domain.Metadata{}, now.Add(-time.Hour))
	done.Status = domain.DownloadCompleted

	raw, _ := json.Marshal([]*domain.DownloadRecord{interrupted, done})
	h.store.Put(port.KeyDownloads, raw)

	require.NoError(t, h.engine.Load(context.Background()))
	h.waitStatus(t, "b", domain.DownloadCompleted)

	data, _ := h.fs.ReadFile(interrupted.LocalPath)
	assert.Equal(t, []byte("0123456789"), data)
	assert.Equal(t, []int64{4}, h.fetcher.offsetsFor("https://x/a"))

	list := h.engine.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID, "ordered by creation")
}

func TestEngine_PassiveNeverTransfers(t *testing.T) {
	h := newHarness(t, nil)
	h.engine = New(nil, h.store, h.fs, h.fetcher, h.network, nil, zap.NewNop(), WithClock(h.clock), Passive())
	h.fetcher.add("https://x/a", []byte("0123456789"))
	now := h.clock.Now()

	pending := domain.NewDownloadRecord("p", domain.KindAudio, "a", "https://x/a", "/data/audio/a_1.mp3", domain.Metadata{}, now)
	raw, _ := json.Marshal([]*domain.DownloadRecord{pending})
	h.store.Put(port.KeyDownloads, raw)

	require.NoError(t, h.engine.Load(context.Background()))
	assert.Zero(t, h.engine.ActiveCount())
	assert.Empty(t, h.fetcher.offsetsFor("https://x/a"))

	require.NoError(t, h.engine.Cancel(context.Background(), "p"))
	assert.Empty(t, h.engine.List())
	require.NoError(t, h.engine.Close())
}

func TestEngine_LoadCorruptBlob(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Put(port.KeyDownloads, []byte("{not json"))

	require.NoError(t, h.engine.Load(context.Background()))
	assert.Empty(t, h.engine.List())
}

func TestEngine_OfflineAvailability(t *testing.T) {
	h := newHarness(t, nil)
	url := "https://cdn.example.com/ep.mp3?quality=high"
	h.fetcher.add(url, []byte("audio"))

	meta := domain.Metadata{Quality: &domain.QualityMeta{Tier: domain.TierHigh, OriginalURL: "https://cdn.example.com/ep.mp3"}}
	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "ep", url, meta)
	require.NoError(t, err)
	rec := h.waitStatus(t, id, domain.DownloadCompleted)
	h.engine.Wait()

	assert.True(t, h.engine.IsAvailableOffline(url))
	assert.True(t, h.engine.IsAvailableOffline("https://cdn.example.com/ep.mp3"))

	h.clock.Advance(time.Minute)
	path, ok := h.engine.LocalPathFor(context.Background(), url)
	require.True(t, ok)
	assert.Equal(t, rec.LocalPath, path)
	touched, _ := h.engine.Status(id)
	require.NotNil(t, touched.LastAccessedAt)
	assert.True(t, touched.LastAccessedAt.Equal(h.clock.Now()))

	require.NoError(t, h.fs.DeleteFile(rec.LocalPath))
	assert.False(t, h.engine.IsAvailableOffline(url))
	after, _ := h.engine.Status(id)
	assert.Equal(t, domain.DownloadCompleted, after.Status, "record untouched when the file vanished")
}

func TestEngine_UpdateContentFields(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add("https://x/a", []byte("abc"))

	meta := domain.Metadata{Sync: &domain.SyncMeta{Reason: domain.ReasonUser, ContentID: "c-1"}}
	id, err := h.engine.Enqueue(context.Background(), domain.KindArticle, "Old", "https://x/a", meta)
	require.NoError(t, err)
	h.waitStatus(t, id, domain.DownloadCompleted)
	h.engine.Wait()

	n, err := h.engine.UpdateContentFields(context.Background(), "c-1", domain.ContentFields{Title: "New", Version: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := h.engine.Status(id)
	assert.Equal(t, "New", rec.Title)
	require.NotNil(t, rec.Metadata.Content)
	assert.Equal(t, int64(7), rec.Metadata.Content.Version)
	assert.Equal(t, domain.DownloadCompleted, rec.Status)

	n, err = h.engine.UpdateContentFields(context.Background(), "other", domain.ContentFields{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_UniqueLocalPaths(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setGated(true)
	h.fetcher.add("https://x/a", []byte("0123456789"))

	a, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "Same", "https://x/a", domain.Metadata{})
	require.NoError(t, err)
	b, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "Same", "https://x/a", domain.Metadata{})
	require.NoError(t, err)

	ra, _ := h.engine.Status(a)
	rb, _ := h.engine.Status(b)
	assert.NotEqual(t, ra.LocalPath, rb.LocalPath)
	assert.True(t, h.engine.Owns(ra.LocalPath))
	assert.False(t, h.engine.Owns("/data/audio/stranger.mp3"))
}

func TestEngine_SubscribeReportsProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add("https://x/a", bytes.Repeat([]byte("z"), 3*chunkSize))

	var mu sync.Mutex
	var seen []int64
	unsubscribe := h.engine.Subscribe(func(rec domain.DownloadRecord) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rec.TransferredBytes)
	})
	defer unsubscribe()

	id, err := h.engine.Enqueue(context.Background(), domain.KindAudio, "a", "https://x/a", domain.Metadata{})
	require.NoError(t, err)
	h.waitStatus(t, id, domain.DownloadCompleted)
	h.engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, int64(chunkSize))
	assert.Contains(t, seen, int64(2*chunkSize))
	assert.Contains(t, seen, int64(3*chunkSize))
}
