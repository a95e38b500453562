package port

import "context"

// Fixed keys of the persisted collections. Each is loaded independently so
// a corrupt or missing one never blocks the others.
const (
	KeyDownloads          = "downloads.records"
	KeySyncQueue          = "sync.queue"
	KeySyncConflicts      = "sync.conflicts"
	KeySyncOptions        = "sync.options"
	KeySyncState          = "sync.state"
	KeyQualityPreferences = "quality.preferences"
	KeyStorageAnalytics   = "storage.analytics"
)

// KeyValueStore is a durable store of opaque blobs
type KeyValueStore interface {
	// Get returns the value and whether the key exists
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key; a missing key is not an error
	Remove(ctx context.Context, key string) error
}
