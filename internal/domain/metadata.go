package domain

import "time"

// SyncReason records why a sync item or sync-originated download exists.
type SyncReason string

const (
	ReasonUser             SyncReason = "user"
	ReasonOfflineReconcile SyncReason = "offline_reconcile"
	ReasonCheckUpdates     SyncReason = "check_updates"
	ReasonRemoteUpdate     SyncReason = "remote_update"
)

// Metadata is the typed payload carried by download records and sync items.
// Each variant is optional; only the shapes below are ever attached.
type Metadata struct {
	Quality *QualityMeta   `json:"quality,omitempty"`
	Sync    *SyncMeta      `json:"sync,omitempty"`
	File    *FileMeta      `json:"file,omitempty"`
	Content *ContentFields `json:"content,omitempty"`
}

// QualityMeta is attached to downloads whose URL was chosen by the quality selector.
type QualityMeta struct {
	Tier        QualityTier `json:"tier"`
	OriginalURL string      `json:"originalUrl"`
}

// SyncMeta ties a record or item to remote content.
type SyncMeta struct {
	Reason       SyncReason `json:"reason"`
	At           time.Time  `json:"at"`
	ContentID    string     `json:"contentId,omitempty"`
	MetadataOnly bool       `json:"metadataOnly,omitempty"`
}

// FileMeta carries the expected artifact size.
type FileMeta struct {
	Size int64 `json:"size"`
}

// ContentFields are the remote-owned descriptive fields cached locally.
type ContentFields struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can't mutate shared state.
func (m Metadata) Clone() Metadata {
	out := Metadata{}
	if m.Quality != nil {
		q := *m.Quality
		out.Quality = &q
	}
	if m.Sync != nil {
		s := *m.Sync
		out.Sync = &s
	}
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	if m.Content != nil {
		c := *m.Content
		out.Content = &c
	}
	return out
}

// ContentID returns the remote content id, if any.
func (m Metadata) ContentID() string {
	if m.Sync == nil {
		return ""
	}
	return m.Sync.ContentID
}

// FileSize returns the declared artifact size or 0.
func (m Metadata) FileSize() int64 {
	if m.File == nil {
		return 0
	}
	return m.File.Size
}

// IsMetadataOnly reports whether the item only reconciles remote fields.
func (m Metadata) IsMetadataOnly() bool {
	return m.Sync != nil && m.Sync.MetadataOnly
}

// Reason returns the sync reason or "" when none was attached.
func (m Metadata) Reason() SyncReason {
	if m.Sync == nil {
		return ""
	}
	return m.Sync.Reason
}
