package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// checkUpdatesID is the content id carried by check-for-updates items
const checkUpdatesID = "updates"

// applyFunc mutates an item after its operation succeeded
type applyFunc func(item *domain.SyncItem)

// StartSync runs one pass over the items eligible when it is called. It is a
// no-op while another pass runs, while paused, or when nothing is eligible.
// Items are processed in chunks of MaxConcurrent; the next chunk starts only
// after every item of the current one settled, and not at all once paused.
// Items re-armed during the pass wait for the next call.
func (m *Manager) StartSync(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.state.Paused {
		m.mu.Unlock()
		return nil
	}
	ids := m.eligibleLocked()
	if len(ids) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	chunkSize := m.options.MaxConcurrent
	m.mu.Unlock()

	start := m.clock.Now()
	m.logger.Info("sync started",
		zap.Int("items", len(ids)),
		zap.Int("chunk_size", chunkSize))

	processed := 0
	var err error
	for begin := 0; begin < len(ids); begin += chunkSize {
		if err = ctx.Err(); err != nil {
			break
		}
		if m.isPaused() {
			m.logger.Info("sync paused, remaining chunks skipped",
				zap.Int("remaining", len(ids)-begin))
			break
		}
		end := min(begin+chunkSize, len(ids))
		m.processChunk(ctx, ids[begin:end])
		processed += end - begin
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.running = false
	m.state.LastSyncAt = &now
	m.mu.Unlock()
	m.persist(context.WithoutCancel(ctx))

	m.logger.Info("sync finished",
		zap.Int("processed", processed),
		zap.Duration("duration", now.Sub(start)))
	return err
}

func (m *Manager) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Paused
}

// processChunk runs every item of a chunk concurrently and waits for all of them
func (m *Manager) processChunk(ctx context.Context, ids []string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			m.processItem(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// processItem executes one item. Errors are recorded on the item and never
// returned.
func (m *Manager) processItem(ctx context.Context, id string) {
	m.mu.Lock()
	item := m.findLocked(id)
	if item == nil || !item.Eligible(m.options.RetryFailedItems, m.options.MaxRetryAttempts) {
		m.mu.Unlock()
		return
	}
	item.Start(m.clock.Now())
	snapshot := item.Clone()
	m.mu.Unlock()
	m.persist(ctx)

	op := string(snapshot.Operation)
	if snapshot.Metadata.Reason() == domain.ReasonCheckUpdates {
		op = "check_updates"
	}

	var apply applyFunc
	err := m.tel.InstrumentSyncItem(ctx, op, func(ctx context.Context) error {
		var err error
		apply, err = m.execute(ctx, snapshot)
		return err
	})
	if err != nil {
		m.fail(ctx, snapshot, err)
		return
	}
	m.succeed(ctx, id, apply)
}

func (m *Manager) execute(ctx context.Context, item domain.SyncItem) (applyFunc, error) {
	if item.Metadata.Reason() == domain.ReasonCheckUpdates {
		return nil, m.checkUpdates(ctx)
	}
	switch item.Operation {
	case domain.OpDownload:
		return m.download(ctx, item)
	case domain.OpUpload:
		return m.upload(ctx, item)
	case domain.OpUpdate:
		return m.update(ctx, item)
	case domain.OpDelete:
		return m.delete(ctx, item)
	default:
		return nil, fmt.Errorf("unknown operation %q: %w", item.Operation, domain.ErrInvalidInput)
	}
}

// download refreshes cached fields for metadata-only items and otherwise
// hands the content to the download engine at the selected quality
func (m *Manager) download(ctx context.Context, item domain.SyncItem) (applyFunc, error) {
	rc, err := m.content.GetContent(ctx, item.Kind, item.ContentID)
	if err != nil {
		return nil, err
	}
	fields := rc.Fields()

	if item.Metadata.IsMetadataOnly() {
		n, err := m.downloads.UpdateContentFields(ctx, item.ContentID, fields)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("local records refreshed from remote",
			zap.String("content_id", item.ContentID),
			zap.Int64("version", fields.Version),
			zap.Int("records", n))
		return func(it *domain.SyncItem) { it.Metadata.Content = &fields }, nil
	}

	if rc.URL == "" {
		return nil, fmt.Errorf("content %s has no url: %w", item.ContentID, domain.ErrInvalidInput)
	}

	reason := item.Metadata.Reason()
	if reason == "" {
		reason = domain.ReasonUser
	}
	meta := domain.Metadata{
		Sync:    &domain.SyncMeta{Reason: reason, At: m.clock.Now(), ContentID: item.ContentID},
		Content: &fields,
	}

	url := rc.URL
	size := rc.SizeBytes
	if m.selector != nil {
		sel := m.selector.Select(ctx, rc.URL, time.Duration(rc.Duration)*time.Second)
		url = sel.URL
		meta.Quality = &domain.QualityMeta{Tier: sel.Tier, OriginalURL: rc.URL}
		size = sel.EstimatedBytes
	} else if size > 0 {
		// The declared size is exact only for the untiered artifact
		meta.File = &domain.FileMeta{Size: size}
	}

	downloadID, err := m.downloads.Enqueue(ctx, item.Kind, rc.Title, url, meta)
	if err != nil {
		return nil, err
	}

	m.logger.Info("download handed to engine",
		zap.String("content_id", item.ContentID),
		zap.String("download_id", downloadID),
		zap.String("url", url))

	return func(it *domain.SyncItem) {
		it.RemoteURL = rc.URL
		it.Metadata.Content = &fields
		if size > 0 && it.Metadata.File == nil {
			it.Metadata.File = &domain.FileMeta{Size: size}
		}
	}, nil
}

func (m *Manager) upload(ctx context.Context, item domain.SyncItem) (applyFunc, error) {
	if item.LocalPath == "" {
		return nil, domain.ErrLocalPathRequired
	}
	if m.uploader == nil {
		return nil, errors.New("no uploader configured")
	}

	key := path.Join(string(item.Kind), item.ContentID+filepath.Ext(item.LocalPath))
	url, err := m.uploader.Upload(ctx, item.LocalPath, key)
	if err != nil {
		return nil, err
	}

	m.logger.Info("artifact uploaded",
		zap.String("content_id", item.ContentID),
		zap.String("remote_url", url))
	return func(it *domain.SyncItem) { it.RemoteURL = url }, nil
}

// update pushes the item's content fields and mirrors the accepted version
// onto local records
func (m *Manager) update(ctx context.Context, item domain.SyncItem) (applyFunc, error) {
	if item.Metadata.Content == nil {
		return nil, fmt.Errorf("update requires content fields: %w", domain.ErrInvalidInput)
	}

	rc, err := m.content.UpdateMetadata(ctx, item.Kind, item.ContentID, *item.Metadata.Content)
	if err != nil {
		return nil, err
	}
	accepted := rc.Fields()

	if _, err := m.downloads.UpdateContentFields(ctx, item.ContentID, accepted); err != nil {
		m.logger.Warn("failed to refresh local records after update",
			zap.String("content_id", item.ContentID),
			zap.Error(err))
	}
	return func(it *domain.SyncItem) { it.Metadata.Content = &accepted }, nil
}

// delete removes the content remotely, then cancels every local download of it.
// Content already gone remotely counts as deleted.
func (m *Manager) delete(ctx context.Context, item domain.SyncItem) (applyFunc, error) {
	err := m.content.DeleteContent(ctx, item.Kind, item.ContentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	removed := 0
	for _, rec := range m.downloads.List() {
		if !matchesContent(rec, item) {
			continue
		}
		if err := m.downloads.Cancel(ctx, rec.ID); err != nil {
			m.logger.Warn("failed to remove local copy of deleted content",
				zap.String("download_id", rec.ID),
				zap.Error(err))
			continue
		}
		removed++
	}

	m.logger.Info("content deleted",
		zap.String("content_id", item.ContentID),
		zap.Int("local_copies_removed", removed))
	return nil, nil
}

func matchesContent(rec domain.DownloadRecord, item domain.SyncItem) bool {
	if rec.ContentID() == item.ContentID {
		return true
	}
	if item.RemoteURL == "" {
		return false
	}
	if rec.SourceURL == item.RemoteURL {
		return true
	}
	return rec.Metadata.Quality != nil && rec.Metadata.Quality.OriginalURL == item.RemoteURL
}

// checkUpdates queues a metadata-only download for every locally completed
// content the remote reports a newer version of
func (m *Manager) checkUpdates(ctx context.Context) error {
	m.mu.Lock()
	var since time.Time
	if m.state.LastCheckAt != nil {
		since = *m.state.LastCheckAt
	}
	m.mu.Unlock()

	now := m.clock.Now()
	updated, err := m.content.ListUpdated(ctx, since)
	if err != nil {
		return err
	}

	local := make(map[string]int64)
	for _, rec := range m.downloads.ListByStatus(domain.DownloadCompleted) {
		id := rec.ContentID()
		if id == "" {
			continue
		}
		var version int64 = -1
		if rec.Metadata.Content != nil {
			version = rec.Metadata.Content.Version
		}
		if cur, ok := local[id]; !ok || version < cur {
			local[id] = version
		}
	}

	queued := 0
	m.mu.Lock()
	for _, rc := range updated {
		version, ok := local[rc.ID]
		if !ok || version >= rc.Version {
			continue
		}
		if m.hasOpenItemLocked(rc.ID, domain.OpDownload) {
			continue
		}
		m.addLocked(NewItem{
			Operation: domain.OpDownload,
			Kind:      rc.Kind,
			ContentID: rc.ID,
			Priority:  domain.PriorityLow,
			Metadata: domain.Metadata{
				Sync: &domain.SyncMeta{Reason: domain.ReasonRemoteUpdate, At: now, ContentID: rc.ID, MetadataOnly: true},
			},
		})
		queued++
	}
	m.state.LastCheckAt = &now
	m.mu.Unlock()

	m.logger.Info("checked for remote updates",
		zap.Int("updated", len(updated)),
		zap.Int("queued", queued))
	return nil
}

// hasOpenItemLocked reports whether an open item exists for contentID and op
func (m *Manager) hasOpenItemLocked(contentID string, op domain.SyncOperation) bool {
	for _, item := range m.items {
		if item.ContentID == contentID && item.Operation == op && m.isOpenLocked(item) {
			return true
		}
	}
	return false
}

// isOpenLocked reports whether item still has work ahead of it. Failed items
// count only while a later pass would retry them.
func (m *Manager) isOpenLocked(item *domain.SyncItem) bool {
	switch item.Status {
	case domain.SyncPending, domain.SyncInProgress, domain.SyncConflicted:
		return true
	case domain.SyncFailed:
		return item.Eligible(m.options.RetryFailedItems, m.options.MaxRetryAttempts)
	default:
		return false
	}
}

func (m *Manager) succeed(ctx context.Context, id string, apply applyFunc) {
	m.mu.Lock()
	item := m.findLocked(id)
	if item != nil {
		if apply != nil {
			apply(item)
		}
		item.Complete()
	}
	m.state.SuccessCount++
	m.mu.Unlock()

	m.persist(ctx)
	m.logger.Debug("sync item completed", zap.String("id", id))
}

// fail records a failed attempt and opens a conflict when the remote
// reported a clash. Items interrupted by shutdown go back to pending.
func (m *Manager) fail(ctx context.Context, item domain.SyncItem, err error) {
	persistCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		m.mu.Lock()
		if it := m.findLocked(item.ID); it != nil {
			it.Status = domain.SyncPending
		}
		m.mu.Unlock()
		m.persist(persistCtx)
		return
	}

	msg := err.Error()
	m.mu.Lock()
	it := m.findLocked(item.ID)
	if it == nil {
		m.mu.Unlock()
		return
	}
	it.Fail(msg)
	m.state.FailureCount++
	m.state.LastError = msg
	failed := it.Clone()
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("id", failed.ID),
		zap.String("operation", string(failed.Operation)),
		zap.String("content_id", failed.ContentID),
		zap.Int("retry_count", failed.RetryCount),
		zap.Int("max_retries", failed.MaxRetries),
		zap.Error(err),
	}
	if after, ok := domainRetryAfter(err); ok {
		fields = append(fields, zap.Duration("retry_after", after))
	}
	m.logger.Warn("sync item failed", fields...)

	ctype, clash := domain.ConflictTypeOf(err)
	if !clash {
		m.persist(persistCtx)
		return
	}
	m.recordConflict(persistCtx, failed, ctype, err)
}

func domainRetryAfter(err error) (time.Duration, bool) {
	after, ok := domain.GetRetryAfter(err)
	return after, ok && after > 0
}
