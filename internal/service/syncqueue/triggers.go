package syncqueue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// Run wires the automatic triggers: network changes and the periodic timer.
// It blocks until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	m.runMu.Lock()
	if m.runCancel != nil {
		m.runMu.Unlock()
		return fmt.Errorf("sync manager already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx, m.runCancel = runCtx, cancel

	if m.network != nil {
		m.unsubscribe = m.network.Subscribe(func(cond domain.NetworkCondition) {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.HandleNetworkChange(runCtx, cond)
			}()
		})
	}
	m.scheduleLocked()
	m.runMu.Unlock()

	opts := m.Options()
	m.logger.Info("sync manager started",
		zap.Bool("auto_sync", opts.AutoSync),
		zap.Duration("interval", opts.SyncInterval))

	<-runCtx.Done()

	m.runMu.Lock()
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.runCancel()
	m.runCtx, m.runCancel = nil, nil
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info("sync manager stopped")
	return nil
}

// Stop stops Run
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runCancel != nil {
		m.runCancel()
	}
}

// Close stops Run and waits for background passes
func (m *Manager) Close() {
	m.Stop()
	m.cancelAll()
	m.wg.Wait()
}

// Wait blocks until background passes finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Trigger starts a pass in the background
func (m *Manager) Trigger() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.StartSync(m.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("background sync failed", zap.Error(err))
		}
	}()
}

// reschedule replaces the periodic timer while Run is active
func (m *Manager) reschedule() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runCtx != nil {
		m.scheduleLocked()
	}
}

// scheduleLocked requires runMu
func (m *Manager) scheduleLocked() {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	opts := m.Options()
	if !opts.AutoSync {
		return
	}
	ctx := m.runCtx
	m.stopTimer = m.clock.Every(opts.SyncInterval, func() {
		if !m.Options().AutoSync {
			return
		}
		if err := m.StartSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("periodic sync failed", zap.Error(err))
		}
	})
}

// HandleNetworkChange reacts to a link coming up: offline downloads are
// reconciled, an update check is queued and a pass starts. Nothing happens
// when auto sync is off or the link type is not allowed.
func (m *Manager) HandleNetworkChange(ctx context.Context, cond domain.NetworkCondition) {
	opts := m.Options()
	if !opts.AutoSync || !cond.Connected || !opts.AllowsConnection(cond.Type) {
		m.logger.Debug("network change ignored",
			zap.Bool("connected", cond.Connected),
			zap.String("type", string(cond.Type)),
			zap.Bool("auto_sync", opts.AutoSync))
		return
	}

	m.logger.Info("network available, syncing",
		zap.String("type", string(cond.Type)),
		zap.String("strength", string(cond.Strength)))

	m.SyncOfflineContent(ctx)
	m.CheckForUpdates(ctx)
	if err := m.StartSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("sync after network change failed", zap.Error(err))
	}
}

// SyncOfflineContent queues a low-priority metadata-only download for every
// completed download of remote content that has no sync item yet. Returns
// the number queued.
func (m *Manager) SyncOfflineContent(ctx context.Context) int {
	completed := m.downloads.ListByStatus(domain.DownloadCompleted)
	now := m.clock.Now()

	m.mu.Lock()
	known := make(map[string]bool, len(m.items))
	for _, item := range m.items {
		known[item.ContentID] = true
	}
	queued := 0
	for _, rec := range completed {
		id := rec.ContentID()
		if id == "" || known[id] {
			continue
		}
		meta := domain.Metadata{
			Sync: &domain.SyncMeta{Reason: domain.ReasonOfflineReconcile, At: now, ContentID: id, MetadataOnly: true},
		}
		if rec.Metadata.Content != nil {
			local := *rec.Metadata.Content
			meta.Content = &local
		}
		m.addLocked(NewItem{
			Operation: domain.OpDownload,
			Kind:      rec.Kind,
			ContentID: id,
			LocalPath: rec.LocalPath,
			Priority:  domain.PriorityLow,
			Metadata:  meta,
		})
		known[id] = true
		queued++
	}
	m.mu.Unlock()

	if queued > 0 {
		m.persist(ctx)
		m.logger.Info("offline content queued for reconciliation", zap.Int("count", queued))
	}
	return queued
}

// CheckForUpdates queues a low-priority check-for-updates item unless one is
// still open. A check item that used up its retries is replaced.
// Returns the open item and whether it was created.
func (m *Manager) CheckForUpdates(ctx context.Context) (domain.SyncItem, bool) {
	m.mu.Lock()
	for _, item := range m.items {
		if item.Metadata.Reason() == domain.ReasonCheckUpdates && m.isOpenLocked(item) {
			out := item.Clone()
			m.mu.Unlock()
			return out, false
		}
	}
	kept := m.items[:0]
	for _, item := range m.items {
		if item.Metadata.Reason() == domain.ReasonCheckUpdates && item.Status == domain.SyncFailed {
			m.logger.Info("replacing exhausted update check",
				zap.String("id", item.ID),
				zap.Int("retry_count", item.RetryCount))
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	item := m.addLocked(NewItem{
		Operation: domain.OpDownload,
		ContentID: checkUpdatesID,
		Priority:  domain.PriorityLow,
		Metadata: domain.Metadata{
			Sync: &domain.SyncMeta{Reason: domain.ReasonCheckUpdates, At: m.clock.Now()},
		},
	})
	out := item.Clone()
	m.mu.Unlock()

	m.persist(ctx)
	return out, true
}
