package domain

import (
	"fmt"
	"time"
)

// ConflictType classifies a clash between local and remote state
type ConflictType string

const (
	ConflictContentMismatch  ConflictType = "content_mismatch"
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictDeletion         ConflictType = "deletion_conflict"
	ConflictPermissionDenied ConflictType = "permission_denied"
)

// Resolution is both the configured conflict policy and the outcome stored on a conflict
type Resolution string

const (
	ResolveLocal      Resolution = "local"
	ResolveRemote     Resolution = "remote"
	ResolveNewest     Resolution = "newest"
	ResolveManual     Resolution = "manual"
	ResolveUnresolved Resolution = "unresolved"
)

// ParseResolution parses a conflict policy
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolveLocal, ResolveRemote, ResolveNewest, ResolveManual:
		return r, nil
	}
	return "", fmt.Errorf("unknown conflict resolution %q: %w", s, ErrInvalidInput)
}

// ResolvedBy records who resolved a conflict
type ResolvedBy string

const (
	ResolvedAuto   ResolvedBy = "auto"
	ResolvedManual ResolvedBy = "manual"
)

// ConflictSide is the side whose state wins a resolution
type ConflictSide string

const (
	SideLocal  ConflictSide = "local"
	SideRemote ConflictSide = "remote"
)

// SyncConflict is a clash between local and remote state for one sync item
type SyncConflict struct {
	SyncItemID      string         `json:"syncItemId"`
	ConflictType    ConflictType   `json:"conflictType"`
	LocalVersion    int64          `json:"localVersion"`
	RemoteVersion   int64          `json:"remoteVersion"`
	LocalUpdatedAt  time.Time      `json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time      `json:"remoteUpdatedAt"`
	Remote          *ContentFields `json:"remote,omitempty"`
	Message         string         `json:"message,omitempty"`

	Resolution Resolution `json:"resolution"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy ResolvedBy `json:"resolvedBy,omitempty"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// Open reports whether the conflict still awaits resolution
func (c *SyncConflict) Open() bool {
	return c.Resolution == ResolveUnresolved
}

// Winner returns the side a resolution policy picks. Newest compares the
// updatedAt timestamps; a tie goes to remote.
func (c *SyncConflict) Winner(res Resolution) (ConflictSide, error) {
	switch res {
	case ResolveLocal:
		return SideLocal, nil
	case ResolveRemote:
		return SideRemote, nil
	case ResolveNewest:
		if c.LocalUpdatedAt.After(c.RemoteUpdatedAt) {
			return SideLocal, nil
		}
		return SideRemote, nil
	default:
		return "", fmt.Errorf("resolution %q picks no side: %w", res, ErrInvalidInput)
	}
}

// Resolve closes the conflict
func (c *SyncConflict) Resolve(res Resolution, by ResolvedBy, now time.Time) (ConflictSide, error) {
	if !c.Open() {
		return "", fmt.Errorf("conflict already resolved: %w", ErrInvalidStateTransition)
	}
	side, err := c.Winner(res)
	if err != nil {
		return "", err
	}
	c.Resolution = res
	c.ResolvedBy = by
	c.ResolvedAt = &now
	return side, nil
}

// Clone returns a deep copy of the conflict
func (c *SyncConflict) Clone() SyncConflict {
	out := *c
	if c.Remote != nil {
		r := *c.Remote
		out.Remote = &r
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
