package download

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/telemetry"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
	"github.com/vertextoedge/offline-sync/internal/util/ratelimiter"
)

// Config contains download engine configuration
type Config struct {
	// MaxConcurrent is the number of transfers allowed in flight
	MaxConcurrent int

	// MinFreeSpace is the free space floor (bytes) below which Enqueue is rejected
	MinFreeSpace int64

	// ProgressPersistInterval throttles persistence of in-flight progress per record
	ProgressPersistInterval time.Duration

	// BufferSize is the copy buffer size in bytes
	BufferSize int
}

// DefaultConfig returns default download engine configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:           3,
		MinFreeSpace:            50 * 1024 * 1024,
		ProgressPersistInterval: 2 * time.Second,
		BufferSize:              256 * 1024,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Passive loads and manages records without starting any transfer. Used by
// one-shot commands that only inspect or prune local state.
func Passive() Option {
	return func(e *Engine) { e.passive = true }
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopClose
)

type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}
	reason stopReason // guarded by Engine.mu
	start  time.Time
}

// Engine runs bounded, resumable transfers and owns every DownloadRecord.
// All record mutations go through the engine.
type Engine struct {
	config  *Config
	store   port.KeyValueStore
	fs      port.FileSystem
	fetcher port.Fetcher
	network port.NetworkStatus
	clock   clock.Clock
	tel     *telemetry.Telemetry
	logger  *zap.Logger

	persistLimit *ratelimiter.Limiter

	mu        sync.Mutex
	records   map[string]*domain.DownloadRecord
	queue     []string
	active    map[string]*transfer
	observers map[int]func(domain.DownloadRecord)
	nextObs   int
	closed    bool
	passive   bool

	// persistMu orders snapshot writes so a later state is never overwritten by an earlier one
	persistMu sync.Mutex

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a new download Engine. network may be nil, in which case the
// link is assumed up.
func New(
	cfg *Config,
	store port.KeyValueStore,
	fs port.FileSystem,
	fetcher port.Fetcher,
	network port.NetworkStatus,
	tel *telemetry.Telemetry,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MinFreeSpace < 0 {
		cfg.MinFreeSpace = 0
	}
	if cfg.ProgressPersistInterval == 0 {
		cfg.ProgressPersistInterval = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256 * 1024
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:    cfg,
		store:     store,
		fs:        fs,
		fetcher:   fetcher,
		network:   network,
		clock:     clock.Real{},
		tel:       tel,
		logger:    logger,
		records:   make(map[string]*domain.DownloadRecord),
		active:    make(map[string]*transfer),
		observers: make(map[int]func(domain.DownloadRecord)),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.persistLimit = ratelimiter.NewWithClock(cfg.ProgressPersistInterval, e.clock.Now)
	return e
}

// Load restores records from the store. Records left transferring by a
// previous process are requeued; pending ones are queued in creation order.
func (e *Engine) Load(ctx context.Context) error {
	raw, ok, err := e.store.Get(ctx, port.KeyDownloads)
	if err != nil {
		return fmt.Errorf("failed to read download records: %w", err)
	}

	var list []domain.DownloadRecord
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			e.logger.Warn("download records corrupt, starting empty", zap.Error(err))
			list = nil
		}
	}

	now := e.clock.Now()
	requeued := 0

	e.mu.Lock()
	e.records = make(map[string]*domain.DownloadRecord, len(list))
	e.queue = e.queue[:0]
	for i := range list {
		rec := list[i]
		if rec.ID == "" {
			continue
		}
		if rec.Status == domain.DownloadTransferring {
			_ = rec.Requeue(now)
			requeued++
		}
		e.records[rec.ID] = &rec
	}

	pending := make([]*domain.DownloadRecord, 0)
	for _, rec := range e.records {
		if rec.Status == domain.DownloadPending {
			pending = append(pending, rec)
		}
	}
	sortRecords(pending)
	for _, rec := range pending {
		e.queue = append(e.queue, rec.ID)
	}
	total := len(e.records)
	e.drainLocked()
	e.mu.Unlock()

	e.logger.Info("download records loaded",
		zap.Int("records", total),
		zap.Int("queued", len(pending)),
		zap.Int("requeued", requeued))

	if requeued > 0 {
		e.persist(ctx)
	}
	return nil
}

// Enqueue creates a pending record for url and starts it when a slot is free
func (e *Engine) Enqueue(ctx context.Context, kind domain.ContentKind, title, url string, meta domain.Metadata) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("content kind %q: %w", kind, domain.ErrInvalidInput)
	}
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("source url is required: %w", domain.ErrInvalidInput)
	}
	if e.network != nil && !e.network.IsConnected() {
		return "", domain.ErrNoNetwork
	}

	if usage, err := e.fs.GetDiskUsage(); err != nil {
		e.logger.Warn("failed to read free space, admitting download", zap.Error(err))
	} else if int64(usage.Free) < e.config.MinFreeSpace {
		return "", fmt.Errorf("%s free, %s required: %w",
			humanize.Bytes(usage.Free), humanize.Bytes(uint64(e.config.MinFreeSpace)), domain.ErrInsufficientSpace)
	}

	now := e.clock.Now()
	id := ksuid.New().String()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("download engine closed")
	}
	localPath := e.uniquePathLocked(kind, title, url, now)
	rec := domain.NewDownloadRecord(id, kind, title, url, localPath, meta.Clone(), now)
	if size := meta.FileSize(); size > 0 {
		rec.TotalBytes = size
	}
	e.records[id] = rec
	e.queue = append(e.queue, id)
	e.drainLocked()
	snapshot := rec.Clone()
	e.mu.Unlock()

	e.logger.Info("download enqueued",
		zap.String("id", id),
		zap.String("kind", string(kind)),
		zap.String("title", title),
		zap.String("path", localPath))

	e.persist(ctx)
	e.notify(snapshot)
	return id, nil
}

// Pause stops a transferring record. The partial file is kept and the
// record remembers how far it got.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrRecordNotFound
	}
	t, running := e.active[id]
	if rec.Status != domain.DownloadTransferring || !running {
		status := rec.Status
		e.mu.Unlock()
		return fmt.Errorf("pause %s download: %w", status, domain.ErrInvalidStateTransition)
	}
	t.reason = stopPause
	t.cancel()
	e.mu.Unlock()

	<-t.done
	e.persist(ctx)
	return nil
}

// Resume requeues a paused record at the front of the queue
func (e *Engine) Resume(ctx context.Context, id string) error {
	now := e.clock.Now()

	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrRecordNotFound
	}
	if rec.Status != domain.DownloadPaused {
		status := rec.Status
		e.mu.Unlock()
		return fmt.Errorf("resume %s download: %w", status, domain.ErrInvalidStateTransition)
	}
	if err := rec.Requeue(now); err != nil {
		e.mu.Unlock()
		return err
	}
	e.queue = append([]string{id}, e.queue...)
	e.drainLocked()
	snapshot := rec.Clone()
	e.mu.Unlock()

	e.logger.Info("download resumed",
		zap.String("id", id),
		zap.Int64("from_byte", snapshot.TransferredBytes))

	e.persist(ctx)
	e.notify(snapshot)
	return nil
}

// Cancel aborts any transfer for id, deletes its file and forgets the
// record. Unknown ids are ignored.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.records[id]; !ok {
		e.mu.Unlock()
		return nil
	}
	if t, running := e.active[id]; running {
		t.reason = stopCancel
		t.cancel()
		e.mu.Unlock()
		<-t.done
		e.mu.Lock()
	}

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.records, id)
	e.removeFromQueueLocked(id)
	path := rec.LocalPath
	e.mu.Unlock()

	e.persistLimit.Forget(id)
	if err := e.fs.DeleteFile(path); err != nil {
		e.logger.Warn("failed to delete download file",
			zap.String("id", id),
			zap.String("path", path),
			zap.Error(err))
	}

	e.logger.Info("download cancelled", zap.String("id", id))
	e.persist(ctx)
	return nil
}

// Status returns a copy of the record
func (e *Engine) Status(id string) (domain.DownloadRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return domain.DownloadRecord{}, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of all records ordered by creation
func (e *Engine) List() []domain.DownloadRecord {
	return e.filter(func(*domain.DownloadRecord) bool { return true })
}

// ListByKind returns records of the given content kind
func (e *Engine) ListByKind(kind domain.ContentKind) []domain.DownloadRecord {
	return e.filter(func(r *domain.DownloadRecord) bool { return r.Kind == kind })
}

// ListByStatus returns records in the given status
func (e *Engine) ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord {
	return e.filter(func(r *domain.DownloadRecord) bool { return r.Status == status })
}

func (e *Engine) filter(keep func(*domain.DownloadRecord) bool) []domain.DownloadRecord {
	e.mu.Lock()
	matched := make([]*domain.DownloadRecord, 0, len(e.records))
	for _, rec := range e.records {
		if keep(rec) {
			matched = append(matched, rec)
		}
	}
	sortRecords(matched)
	out := make([]domain.DownloadRecord, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	e.mu.Unlock()
	return out
}

// IsAvailableOffline reports whether a completed copy of url exists on disk
func (e *Engine) IsAvailableOffline(url string) bool {
	_, ok := e.completedFor(url)
	return ok
}

// LocalPathFor returns the local file for url and marks it used
func (e *Engine) LocalPathFor(ctx context.Context, url string) (string, bool) {
	id, ok := e.completedFor(url)
	if !ok {
		return "", false
	}

	e.mu.Lock()
	rec, exists := e.records[id]
	if !exists {
		e.mu.Unlock()
		return "", false
	}
	rec.Touch(e.clock.Now())
	path := rec.LocalPath
	e.mu.Unlock()

	e.persist(ctx)
	return path, true
}

// completedFor finds a completed record for url whose file still exists.
// A missing file is reported as unavailable without touching the record.
func (e *Engine) completedFor(url string) (string, bool) {
	e.mu.Lock()
	candidates := make([]*domain.DownloadRecord, 0, 1)
	for _, rec := range e.records {
		if rec.Status != domain.DownloadCompleted {
			continue
		}
		if rec.SourceURL == url || (rec.Metadata.Quality != nil && rec.Metadata.Quality.OriginalURL == url) {
			candidates = append(candidates, rec)
		}
	}
	sortRecords(candidates)
	type candidate struct{ id, path string }
	found := make([]candidate, len(candidates))
	for i, rec := range candidates {
		found[i] = candidate{rec.ID, rec.LocalPath}
	}
	e.mu.Unlock()

	for i := len(found) - 1; i >= 0; i-- {
		if e.fs.FileExists(found[i].path) {
			return found[i].id, true
		}
	}
	return "", false
}

// ActiveCount returns the number of transfers in flight
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Owns reports whether some record points at path
func (e *Engine) Owns(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.records {
		if rec.LocalPath == path {
			return true
		}
	}
	return false
}

// UpdateContentFields refreshes the cached remote fields of every record
// fetched for contentID without re-transferring. Returns the number updated.
func (e *Engine) UpdateContentFields(ctx context.Context, contentID string, fields domain.ContentFields) (int, error) {
	if contentID == "" {
		return 0, fmt.Errorf("content id is required: %w", domain.ErrInvalidInput)
	}
	now := e.clock.Now()

	e.mu.Lock()
	updated := make([]domain.DownloadRecord, 0)
	for _, rec := range e.records {
		if rec.ContentID() != contentID {
			continue
		}
		f := fields
		rec.Metadata.Content = &f
		if fields.Title != "" {
			rec.Title = fields.Title
		}
		rec.UpdatedAt = now
		updated = append(updated, rec.Clone())
	}
	e.mu.Unlock()

	if len(updated) == 0 {
		return 0, nil
	}
	e.persist(ctx)
	for _, rec := range updated {
		e.notify(rec)
	}
	return len(updated), nil
}

// Subscribe registers fn for record changes. Progress is reported per chunk.
func (e *Engine) Subscribe(fn func(domain.DownloadRecord)) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Wait blocks until no transfer is running
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops every transfer and persists the final state. Interrupted
// transfers are left pending so the next Load resumes them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, t := range e.active {
		t.reason = stopClose
	}
	e.mu.Unlock()

	e.cancelAll()
	e.wg.Wait()
	e.persist(context.Background())
	return nil
}

// drainLocked admits queued records while slots are free. Admission is
// synchronous; only the byte transfer runs in the background.
func (e *Engine) drainLocked() {
	if e.closed || e.passive {
		return
	}
	now := e.clock.Now()
	for len(e.active) < e.config.MaxConcurrent && len(e.queue) > 0 {
		id := e.queue[0]
		e.queue = e.queue[1:]

		rec, ok := e.records[id]
		if !ok || rec.Status != domain.DownloadPending {
			continue
		}
		if _, running := e.active[id]; running {
			continue
		}
		if err := rec.Admit(now); err != nil {
			continue
		}

		ctx, cancel := context.WithCancel(e.baseCtx)
		t := &transfer{cancel: cancel, done: make(chan struct{}), start: now}
		e.active[id] = t

		e.wg.Add(1)
		go e.run(ctx, id, t)
	}
}

func (e *Engine) removeFromQueueLocked(id string) {
	out := e.queue[:0]
	for _, q := range e.queue {
		if q != id {
			out = append(out, q)
		}
	}
	e.queue = out
}

// persist writes the full record set
func (e *Engine) persist(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	list := make([]*domain.DownloadRecord, 0, len(e.records))
	for _, rec := range e.records {
		list = append(list, rec)
	}
	sortRecords(list)
	data, err := json.Marshal(list)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("failed to encode download records", zap.Error(err))
		return
	}

	if err := e.store.Set(ctx, port.KeyDownloads, data); err != nil {
		e.logger.Error("failed to persist download records", zap.Error(err))
	}
}

func (e *Engine) notify(rec domain.DownloadRecord) {
	e.mu.Lock()
	fns := make([]func(domain.DownloadRecord), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(rec.Clone())
	}
}

func sortRecords(list []*domain.DownloadRecord) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
