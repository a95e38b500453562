package domain

import (
	"fmt"
	"time"
)

// DownloadStatus is the lifecycle state of a download record.
type DownloadStatus string

// Download status constants
const (
	DownloadPending      DownloadStatus = "pending"
	DownloadTransferring DownloadStatus = "transferring"
	DownloadCompleted    DownloadStatus = "completed"
	DownloadFailed       DownloadStatus = "failed"
	DownloadPaused       DownloadStatus = "paused"
)

// DownloadRecord represents one content item fetched for offline use
type DownloadRecord struct {
	ID        string      `json:"id"`
	Kind      ContentKind `json:"contentKind"`
	Title     string      `json:"title"`
	SourceURL string      `json:"sourceUrl"`
	LocalPath string      `json:"localPath"`

	// Progress
	TotalBytes       int64   `json:"totalBytes"`
	TransferredBytes int64   `json:"transferredBytes"`
	Progress         float64 `json:"progressFraction"`

	Status    DownloadStatus `json:"status"`
	LastError string         `json:"lastError,omitempty"`
	Metadata  Metadata       `json:"metadata"`

	// Timestamps
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
}

// NewDownloadRecord creates a pending record
func NewDownloadRecord(id string, kind ContentKind, title, sourceURL, localPath string, meta Metadata, now time.Time) *DownloadRecord {
	return &DownloadRecord{
		ID:        id,
		Kind:      kind,
		Title:     title,
		SourceURL: sourceURL,
		LocalPath: localPath,
		Status:    DownloadPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *DownloadRecord) transition(from []DownloadStatus, to DownloadStatus, now time.Time) error {
	for _, s := range from {
		if r.Status == s {
			r.Status = to
			r.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", r.Status, to, ErrInvalidStateTransition)
}

// Admit moves a pending record past the concurrency gate
func (r *DownloadRecord) Admit(now time.Time) error {
	if err := r.transition([]DownloadStatus{DownloadPending}, DownloadTransferring, now); err != nil {
		return err
	}
	r.LastError = ""
	return nil
}

// Pause stops a transferring record, keeping the bytes already written
func (r *DownloadRecord) Pause(now time.Time) error {
	return r.transition([]DownloadStatus{DownloadTransferring}, DownloadPaused, now)
}

// Requeue puts a paused record back to pending. Records found transferring
// after a restart are requeued the same way.
func (r *DownloadRecord) Requeue(now time.Time) error {
	return r.transition([]DownloadStatus{DownloadPaused, DownloadTransferring}, DownloadPending, now)
}

// SetProgress records bytes written against the expected total.
// A total of 0 means the size is not known yet.
func (r *DownloadRecord) SetProgress(transferred, total int64, now time.Time) {
	if total > 0 && transferred > total {
		total = transferred
	}
	r.TransferredBytes = transferred
	r.TotalBytes = total
	if total > 0 {
		r.Progress = float64(transferred) / float64(total)
	} else {
		r.Progress = 0
	}
	r.UpdatedAt = now
}

// Complete marks the transfer finished. A pause that raced with the last
// chunk still completes the record.
func (r *DownloadRecord) Complete(now time.Time) error {
	if err := r.transition([]DownloadStatus{DownloadTransferring, DownloadPaused}, DownloadCompleted, now); err != nil {
		return err
	}
	r.TotalBytes = r.TransferredBytes
	r.Progress = 1
	r.LastError = ""
	return nil
}

// Fail marks the transfer failed with an error message
func (r *DownloadRecord) Fail(msg string, now time.Time) error {
	if err := r.transition([]DownloadStatus{DownloadTransferring}, DownloadFailed, now); err != nil {
		return err
	}
	r.LastError = msg
	return nil
}

// Touch records that the local copy was used
func (r *DownloadRecord) Touch(now time.Time) {
	r.LastAccessedAt = &now
}

// LastUsedAt returns the last access time, falling back to the last update
func (r *DownloadRecord) LastUsedAt() time.Time {
	if r.LastAccessedAt != nil {
		return *r.LastAccessedAt
	}
	return r.UpdatedAt
}

// ContentID returns the remote content id the record was fetched for
func (r *DownloadRecord) ContentID() string {
	return r.Metadata.ContentID()
}

// Clone returns a deep copy of the record
func (r *DownloadRecord) Clone() DownloadRecord {
	out := *r
	out.Metadata = r.Metadata.Clone()
	if r.LastAccessedAt != nil {
		t := *r.LastAccessedAt
		out.LastAccessedAt = &t
	}
	return out
}
