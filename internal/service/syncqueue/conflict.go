package syncqueue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// recordConflict opens (or refreshes) the item's conflict and, unless the
// policy is manual, resolves it right away
func (m *Manager) recordConflict(ctx context.Context, item domain.SyncItem, ctype domain.ConflictType, cause error) {
	now := m.clock.Now()
	c := &domain.SyncConflict{
		SyncItemID:     item.ID,
		ConflictType:   ctype,
		LocalUpdatedAt: item.CreatedAt,
		Message:        cause.Error(),
		Resolution:     domain.ResolveUnresolved,
		DetectedAt:     now,
	}
	if local := item.Metadata.Content; local != nil {
		c.LocalVersion = local.Version
		if !local.UpdatedAt.IsZero() {
			c.LocalUpdatedAt = local.UpdatedAt
		}
	}

	if rc, err := m.content.GetContent(ctx, item.Kind, item.ContentID); err == nil {
		remote := rc.Fields()
		c.Remote = &remote
		c.RemoteVersion = rc.Version
		c.RemoteUpdatedAt = rc.UpdatedAt
	} else {
		m.logger.Debug("remote copy unavailable for conflict",
			zap.String("content_id", item.ContentID),
			zap.Error(err))
	}

	m.tel.RecordConflict(string(ctype))

	m.mu.Lock()
	policy := m.options.ConflictResolution
	c = m.upsertConflictLocked(c)

	var side domain.ConflictSide
	var err error
	if policy == domain.ResolveManual {
		if it := m.findLocked(item.ID); it != nil {
			it.MarkConflict()
		}
	} else {
		side, err = c.Resolve(policy, domain.ResolvedAuto, now)
		if err == nil {
			m.applyLocked(item.ID, c, side)
		}
	}
	m.mu.Unlock()

	m.persist(ctx)

	switch {
	case err != nil:
		m.logger.Error("conflict auto-resolution failed",
			zap.String("item_id", item.ID),
			zap.String("policy", string(policy)),
			zap.Error(err))
	case policy == domain.ResolveManual:
		m.logger.Warn("sync conflict awaits manual resolution",
			zap.String("item_id", item.ID),
			zap.String("type", string(ctype)),
			zap.Int64("local_version", c.LocalVersion),
			zap.Int64("remote_version", c.RemoteVersion))
	default:
		m.logger.Info("sync conflict resolved automatically",
			zap.String("item_id", item.ID),
			zap.String("type", string(ctype)),
			zap.String("policy", string(policy)),
			zap.String("winner", string(side)))
	}
}

// upsertConflictLocked keeps at most one open conflict per item
func (m *Manager) upsertConflictLocked(c *domain.SyncConflict) *domain.SyncConflict {
	if open := m.openConflictLocked(c.SyncItemID); open != nil {
		*open = *c
		return open
	}
	m.conflicts = append(m.conflicts, c)
	return c
}

func (m *Manager) openConflictLocked(itemID string) *domain.SyncConflict {
	for _, c := range m.conflicts {
		if c.SyncItemID == itemID && c.Open() {
			return c
		}
	}
	return nil
}

// applyLocked carries the winning side onto the item and re-arms it. Local
// keeps the item's fields rebased on the remote version; remote replaces them.
func (m *Manager) applyLocked(itemID string, c *domain.SyncConflict, side domain.ConflictSide) {
	item := m.findLocked(itemID)
	if item == nil {
		return
	}
	switch side {
	case domain.SideLocal:
		if item.Metadata.Content != nil && c.RemoteVersion > item.Metadata.Content.Version {
			item.Metadata.Content.Version = c.RemoteVersion
		}
	case domain.SideRemote:
		if c.Remote != nil {
			remote := *c.Remote
			item.Metadata.Content = &remote
		}
	}
	item.Rearm()
}

// ResolveConflict resolves the item's open conflict by hand and re-arms the item
func (m *Manager) ResolveConflict(ctx context.Context, itemID string, res domain.Resolution) (domain.SyncConflict, error) {
	if res != domain.ResolveLocal && res != domain.ResolveRemote && res != domain.ResolveNewest {
		return domain.SyncConflict{}, fmt.Errorf("resolution %q picks no side: %w", res, domain.ErrInvalidInput)
	}
	now := m.clock.Now()

	m.mu.Lock()
	c := m.openConflictLocked(itemID)
	if c == nil {
		m.mu.Unlock()
		return domain.SyncConflict{}, domain.ErrConflictNotFound
	}
	side, err := c.Resolve(res, domain.ResolvedManual, now)
	if err != nil {
		m.mu.Unlock()
		return domain.SyncConflict{}, err
	}
	m.applyLocked(itemID, c, side)
	out := c.Clone()
	m.mu.Unlock()

	m.persist(ctx)

	m.logger.Info("sync conflict resolved manually",
		zap.String("item_id", itemID),
		zap.String("resolution", string(res)),
		zap.String("winner", string(side)))
	return out, nil
}
