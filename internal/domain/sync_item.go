package domain

import "time"

// SyncOperation is the kind of work a sync item performs
type SyncOperation string

const (
	OpDownload SyncOperation = "download"
	OpUpload   SyncOperation = "upload"
	OpUpdate   SyncOperation = "update"
	OpDelete   SyncOperation = "delete"
)

// Valid reports whether o is a known operation
func (o SyncOperation) Valid() bool {
	switch o {
	case OpDownload, OpUpload, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncStatus is the lifecycle state of a sync item
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
	SyncConflicted SyncStatus = "conflict"
)

// SyncItem is one pending synchronization obligation
type SyncItem struct {
	ID        string        `json:"id"`
	Operation SyncOperation `json:"operation"`
	Kind      ContentKind   `json:"contentKind"`
	ContentID string        `json:"contentId"`
	LocalPath string        `json:"localPath,omitempty"`
	RemoteURL string        `json:"remoteUrl,omitempty"`
	Metadata  Metadata      `json:"metadata"`
	Priority  SyncPriority  `json:"priority"`

	// Retry handling
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// CanRetry returns true if the item has retries left
func (i *SyncItem) CanRetry() bool {
	return i.RetryCount < i.MaxRetries
}

// Eligible reports whether the scheduler may pick the item up
func (i *SyncItem) Eligible(retryFailed bool, maxAttempts int) bool {
	switch i.Status {
	case SyncPending:
		return true
	case SyncFailed:
		return retryFailed && i.CanRetry() && i.RetryCount < maxAttempts
	default:
		return false
	}
}

// Start marks the item in progress
func (i *SyncItem) Start(now time.Time) {
	i.Status = SyncInProgress
	i.LastAttemptAt = &now
}

// Complete marks the item done
func (i *SyncItem) Complete() {
	i.Status = SyncCompleted
	i.ErrorMessage = ""
}

// Fail records a failed attempt. The retry count never exceeds MaxRetries.
func (i *SyncItem) Fail(msg string) {
	i.Status = SyncFailed
	i.ErrorMessage = msg
	if i.RetryCount < i.MaxRetries {
		i.RetryCount++
	}
}

// MarkConflict parks the item until its conflict is resolved manually
func (i *SyncItem) MarkConflict() {
	i.Status = SyncConflicted
}

// Rearm puts the item back in the queue with a fresh retry budget
func (i *SyncItem) Rearm() {
	i.Status = SyncPending
	i.RetryCount = 0
	i.ErrorMessage = ""
}

// Clone returns a deep copy of the item
func (i *SyncItem) Clone() SyncItem {
	out := *i
	out.Metadata = i.Metadata.Clone()
	if i.LastAttemptAt != nil {
		t := *i.LastAttemptAt
		out.LastAttemptAt = &t
	}
	return out
}
